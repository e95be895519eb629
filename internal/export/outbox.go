// Package export renders the outbox as an XLSX report.
package export

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"fieldsync/internal/models"

	"github.com/xuri/excelize/v2"
)

const (
	operationsSheet = "Operations"
	summarySheet    = "Summary"
)

var operationHeaders = []string{"ID", "Owner", "Entity type", "Entity ID", "Sub-type", "Kind", "Status", "Retries", "Enqueued at", "Last failure code", "Last failure"}

// Build renders ops into a workbook. The caller closes it.
func Build(ops []models.QueuedOperation, generatedAt time.Time) (*excelize.File, error) {
	f := excelize.NewFile()

	index, err := f.NewSheet(operationsSheet)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("error creating sheet: %w", err)
	}
	f.SetActiveSheet(index)

	if err := writeOperations(f, ops); err != nil {
		f.Close()
		return nil, err
	}
	if err := writeSummary(f, ops, generatedAt); err != nil {
		f.Close()
		return nil, err
	}

	_ = f.DeleteSheet("Sheet1")
	return f, nil
}

func writeOperations(f *excelize.File, ops []models.QueuedOperation) error {
	headerStyle, _ := f.NewStyle(&excelize.Style{
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"#DDEBF7"}, Pattern: 1},
		Font:      &excelize.Font{Bold: true},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	stalledStyle, _ := f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#F8CBAD"}, Pattern: 1},
	})

	if err := f.SetSheetRow(operationsSheet, "A1", &operationHeaders); err != nil {
		return fmt.Errorf("error writing headers: %w", err)
	}
	last, _ := excelize.CoordinatesToCellName(len(operationHeaders), 1)
	_ = f.SetCellStyle(operationsSheet, "A1", last, headerStyle)

	for i, op := range ops {
		row := i + 2
		code, message := "", ""
		if op.LastFailure != nil {
			code, message = op.LastFailure.Code, op.LastFailure.Message
		}
		values := []interface{}{
			op.ID, op.OwnerUserID, op.EntityType, op.EntityID, op.Subtype, op.Kind,
			op.Status, op.RetryCount, op.EnqueuedAt.UTC().Format(time.RFC3339), code, message,
		}
		cell, _ := excelize.CoordinatesToCellName(1, row)
		if err := f.SetSheetRow(operationsSheet, cell, &values); err != nil {
			return fmt.Errorf("error writing operation %d: %w", op.ID, err)
		}
		if op.IsStalled() {
			end, _ := excelize.CoordinatesToCellName(len(operationHeaders), row)
			_ = f.SetCellStyle(operationsSheet, cell, end, stalledStyle)
		}
	}

	_ = f.SetColWidth(operationsSheet, "A", "A", 8)
	_ = f.SetColWidth(operationsSheet, "B", "J", 20)
	_ = f.SetColWidth(operationsSheet, "K", "K", 50)
	return nil
}

func writeSummary(f *excelize.File, ops []models.QueuedOperation, generatedAt time.Time) error {
	if _, err := f.NewSheet(summarySheet); err != nil {
		return fmt.Errorf("error creating sheet: %w", err)
	}

	type counts struct{ pending, stalled int }
	byType := map[string]*counts{}
	for _, op := range ops {
		c, ok := byType[op.EntityType]
		if !ok {
			c = &counts{}
			byType[op.EntityType] = c
		}
		if op.IsStalled() {
			c.stalled++
		} else {
			c.pending++
		}
	}
	types := make([]string, 0, len(byType))
	for t := range byType {
		types = append(types, t)
	}
	sort.Strings(types)

	_ = f.SetCellValue(summarySheet, "A1", fmt.Sprintf("Generated: %s", generatedAt.UTC().Format(time.RFC3339)))
	titleStyle, _ := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true, Size: 14}})
	_ = f.SetCellStyle(summarySheet, "A1", "A1", titleStyle)
	_ = f.MergeCell(summarySheet, "A1", "C1")

	_ = f.SetSheetRow(summarySheet, "A2", &[]interface{}{"Entity type", "Pending", "Stalled"})
	for i, t := range types {
		cell, _ := excelize.CoordinatesToCellName(1, i+3)
		if err := f.SetSheetRow(summarySheet, cell, &[]interface{}{t, byType[t].pending, byType[t].stalled}); err != nil {
			return fmt.Errorf("error writing summary: %w", err)
		}
	}
	_ = f.SetColWidth(summarySheet, "A", "C", 20)
	return nil
}

// Write renders ops straight to w.
func Write(w io.Writer, ops []models.QueuedOperation, generatedAt time.Time) error {
	f, err := Build(ops, generatedAt)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("error writing workbook: %w", err)
	}
	return nil
}

// SaveFile writes the report into dir and returns its path.
func SaveFile(dir, userID string, ops []models.QueuedOperation, generatedAt time.Time) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("error creating export directory: %w", err)
	}
	f, err := Build(ops, generatedAt)
	if err != nil {
		return "", err
	}
	defer f.Close()

	owner := userID
	if owner == "" {
		owner = "all"
	}
	path := filepath.Join(dir, fmt.Sprintf("outbox_%s_%s.xlsx", owner, generatedAt.UTC().Format("20060102_150405")))
	if err := f.SaveAs(path); err != nil {
		return "", fmt.Errorf("error saving file: %w", err)
	}
	return path, nil
}
