package export

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"fieldsync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func sampleOps() []models.QueuedOperation {
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return []models.QueuedOperation{
		{ID: 1, OwnerUserID: "user-a", EntityType: models.EntityParcel, EntityID: "local-1", Kind: models.KindCreate, Status: models.OperationPending, EnqueuedAt: at},
		{
			ID: 2, OwnerUserID: "user-a", EntityType: models.EntityActor, EntityID: "a-1", Subtype: models.ActorProducer,
			Kind: models.KindUpdate, Status: models.OperationStalled, RetryCount: 4, EnqueuedAt: at,
			LastFailure: &models.Failure{Code: models.FailureConflict, Message: "stale version"},
		},
		{ID: 3, OwnerUserID: "user-b", EntityType: models.EntityActor, EntityID: "a-2", Kind: models.KindDelete, Status: models.OperationPending, EnqueuedAt: at},
	}
}

func TestWrite(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, sampleOps(), time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{operationsSheet, summarySheet}, f.GetSheetList())

	rows, err := f.GetRows(operationsSheet)
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, "Entity type", rows[0][2])
	assert.Equal(t, "parcel", rows[1][2])
	assert.Equal(t, "stalled", rows[2][6])
	assert.Equal(t, "conflict", rows[2][9])
	assert.Equal(t, "2026-03-01T10:00:00Z", rows[1][8])

	summary, err := f.GetRows(summarySheet)
	require.NoError(t, err)
	require.Len(t, summary, 4)
	assert.Equal(t, "Generated: 2026-03-02T00:00:00Z", summary[0][0])
	assert.Equal(t, []string{"actor", "1", "1"}, summary[2])
	assert.Equal(t, []string{"parcel", "1", "0"}, summary[3])
}

func TestSaveFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "exports")
	path, err := SaveFile(dir, "", sampleOps(), time.Date(2026, 3, 2, 8, 30, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "outbox_all_20260302_083000.xlsx"), path)

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows(operationsSheet)
	require.NoError(t, err)
	assert.Len(t, rows, 4)
}

func TestWrite_Empty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, nil, time.Now()))
	assert.NotZero(t, buf.Len())
}
