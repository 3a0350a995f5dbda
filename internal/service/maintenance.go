package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Purger deletes every document.
type Purger interface {
	Purge(ctx context.Context) ([]string, error)
}

// Clearer removes every stored blob.
type Clearer interface {
	Clear(ctx context.Context) error
}

// MaintenanceService houses destructive actions surfaced through the TUI.
type MaintenanceService struct {
	Docs  Purger
	Blobs Clearer
	Log   *zap.Logger
}

// Reset wipes all documents in one transaction, then the uploaded files. The
// schema stays intact so the app can keep running.
func (s *MaintenanceService) Reset(ctx context.Context) error {
	if s.Docs == nil {
		return fmt.Errorf("maintenance: document store not configured")
	}
	cleared, err := s.Docs.Purge(ctx)
	if err != nil {
		return err
	}
	if s.Blobs != nil {
		if err := s.Blobs.Clear(ctx); err != nil {
			return fmt.Errorf("clear blobs: %w", err)
		}
	}
	if s.Log != nil {
		s.Log.Warn("all data reset", zap.Strings("collections", cleared))
	}
	return nil
}
