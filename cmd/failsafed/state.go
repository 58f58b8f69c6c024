package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/qorelogic/failsafe/pkg/config"
	"github.com/qorelogic/failsafe/pkg/contracts"
	"github.com/qorelogic/failsafe/pkg/ledger"
)

// resolvePath anchors a relative state path at the workspace root.
func resolvePath(cfg *config.Config, path string) string {
	if cfg.WorkspaceRoot == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(cfg.WorkspaceRoot, path)
}

// openLedger builds the configured ledger backend without initializing
// it. The cleanup closes the store and, for Postgres, the pool behind it.
func openLedger(ctx context.Context, cfg *config.Config, logger *slog.Logger, hook func(contracts.LedgerEntry)) (ledger.Store, func(), error) {
	switch cfg.LedgerBackend {
	case config.LedgerBackendPostgres:
		db, err := sql.Open("postgres", cfg.LedgerDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres ledger: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("ping postgres ledger: %w", err)
		}
		opts := []ledger.SQLOption{ledger.WithSQLLogger(logger)}
		if hook != nil {
			opts = append(opts, ledger.WithSQLAppendHook(hook))
		}
		s := ledger.NewSQLStore(db, opts...)
		return s, closeQuietly(s.Close, logger), nil
	default:
		opts := []ledger.FileOption{ledger.WithLogger(logger)}
		if hook != nil {
			opts = append(opts, ledger.WithAppendHook(hook))
		}
		s := ledger.NewFileStore(resolvePath(cfg, cfg.LedgerPath), opts...)
		return s, closeQuietly(s.Close, logger), nil
	}
}

func closeQuietly(fn func() error, logger *slog.Logger) func() {
	return func() {
		if err := fn(); err != nil {
			logger.Warn("ledger close", slog.String("error", err.Error()))
		}
	}
}
