// File: cmd/store.go
package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/courier-cli/api/schemas"
	"github.com/xkilldash9x/courier-cli/internal/config"
	"github.com/xkilldash9x/courier-cli/internal/observability"
	"github.com/xkilldash9x/courier-cli/internal/store"
)

// openStore returns the PostgreSQL store when database.url is set and the
// file-backed store at database.local_path otherwise. The returned closer is
// never nil.
func openStore(ctx context.Context, cfg config.Interface, logger *zap.Logger) (schemas.RecordStore, func(), error) {
	db := cfg.Database()
	if db.URL == "" {
		local, err := store.OpenLocal(db.LocalPath, db.Passphrase, logger)
		if err != nil {
			return nil, func() {}, err
		}
		logger.Debug("Using the local record store.", zap.String("path", db.LocalPath), zap.Bool("encrypted", db.Passphrase != ""))
		return local, func() {}, nil
	}

	pool, err := store.Connect(ctx, db)
	if err != nil {
		return nil, func() {}, err
	}
	st, err := store.New(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, func() {}, err
	}
	if err := st.Migrate(ctx); err != nil {
		pool.Close()
		return nil, func() {}, fmt.Errorf("failed to migrate database: %w", err)
	}
	logger.Debug("Using the PostgreSQL record store.")
	return st, pool.Close, nil
}

// withStore loads the configuration from cmd, opens the record store and
// hands both to fn.
func withStore(cmd *cobra.Command, fn func(ctx context.Context, cfg *config.Config, st schemas.RecordStore) error) error {
	ctx := cmd.Context()
	cfg, err := configFromContext(ctx)
	if err != nil {
		return err
	}
	st, closeStore, err := openStore(ctx, cfg, observability.GetLogger())
	if err != nil {
		return err
	}
	defer closeStore()
	return fn(ctx, cfg, st)
}
