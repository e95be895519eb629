package database

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"fieldsync/internal/config"

	"github.com/rs/zerolog"
)

// SnapshotService periodically copies the queue store so a corrupted device
// database never loses the outbox.
type SnapshotService struct {
	db     *DB
	dbPath string
	cfg    config.BackupConfig
	logger *zerolog.Logger
}

func NewSnapshotService(db *DB, dbPath string, cfg config.BackupConfig, logger *zerolog.Logger) *SnapshotService {
	return &SnapshotService{db: db, dbPath: dbPath, cfg: cfg, logger: logger}
}

// Start takes a snapshot immediately and then on every interval until ctx is
// cancelled.
func (s *SnapshotService) Start(ctx context.Context) {
	if !s.cfg.Enabled {
		s.logger.Info().Msg("queue snapshots disabled")
		return
	}

	interval := 24 * time.Hour
	if s.cfg.Schedule != "" {
		if d, err := time.ParseDuration(s.cfg.Schedule); err == nil && d > 0 {
			interval = d
		} else {
			s.logger.Warn().Str("schedule", s.cfg.Schedule).Msg("invalid snapshot schedule, using 24h")
		}
	}

	if _, err := s.Snapshot(ctx); err != nil {
		s.logger.Error().Err(err).Msg("initial queue snapshot failed")
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Snapshot(ctx); err != nil {
				s.logger.Error().Err(err).Msg("queue snapshot failed")
			}
			s.Prune()
		}
	}
}

// Snapshot writes a copy of the store into the storage directory and returns
// its path.
func (s *SnapshotService) Snapshot(ctx context.Context) (string, error) {
	if err := os.MkdirAll(s.cfg.StoragePath, 0o755); err != nil {
		return "", fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	name := fmt.Sprintf("outbox_%s.db", time.Now().Format("20060102_150405.000"))
	target := filepath.Join(s.cfg.StoragePath, name)

	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, target); err != nil {
		s.logger.Warn().Err(err).Msg("VACUUM INTO failed, copying database file")
		if err := s.copyFile(target); err != nil {
			return "", err
		}
	}

	s.logger.Info().Str("path", target).Msg("queue snapshot written")
	return target, nil
}

func (s *SnapshotService) copyFile(target string) error {
	if s.dbPath == "" || s.dbPath == ":memory:" {
		return fmt.Errorf("no database file to copy")
	}
	src, err := os.Open(s.dbPath)
	if err != nil {
		return fmt.Errorf("open database file: %w", err)
	}
	defer src.Close()

	dst, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("create snapshot file: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("copy database file: %w", err)
	}
	return nil
}

// Prune removes snapshots older than the retention period and returns how
// many were deleted.
func (s *SnapshotService) Prune() int {
	if s.cfg.RetentionDays <= 0 {
		return 0
	}

	entries, err := os.ReadDir(s.cfg.StoragePath)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to read snapshot directory")
		return 0
	}

	cutoff := time.Now().AddDate(0, 0, -s.cfg.RetentionDays)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), "outbox_") {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.cfg.StoragePath, entry.Name())); err != nil {
			s.logger.Warn().Err(err).Str("file", entry.Name()).Msg("failed to delete old snapshot")
			continue
		}
		removed++
	}
	return removed
}
