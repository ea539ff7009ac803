package cli

import (
	"errors"
	"fmt"

	"mutualist/internal/config"
	"mutualist/internal/executor"
	"mutualist/internal/history"
	"mutualist/internal/jobs"
	"mutualist/internal/store/sqlitestore"
	"mutualist/internal/xclient"
)

// backend is an opened history store with its run lease.
type backend struct {
	store  history.Store
	locker history.Locker
	close  func() error
}

func openBackend(cfg config.Config) (*backend, error) {
	switch cfg.Storage.Backend {
	case "json":
		fsStore := history.NewFileStore(cfg.Storage.HistoryPath)
		return &backend{store: fsStore, locker: fsStore, close: func() error { return nil }}, nil
	case "sqlite":
		db, err := sqlitestore.Open(cfg.Storage.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", cfg.Storage.DBPath, err)
		}
		return &backend{store: db, locker: db, close: db.Close}, nil
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
}

// newRunner wires a runner against the X API. Live runs need user-context
// credentials; dry runs and previews only read.
func newRunner(cfg config.Config, b *backend, dryRun, needWrite bool) (*jobs.Runner, error) {
	if cfg.Account.Username == "" {
		return nil, errors.New("no account configured: set account.username or X_USERNAME")
	}
	if cfg.Credentials.BearerToken == "" {
		return nil, errors.New("no read credentials: set credentials.bearerToken or X_BEARER_TOKEN")
	}
	client := xclient.NewHTTPClient(cfg.Credentials)
	if needWrite && !dryRun && !client.CanWrite() {
		return nil, errors.New("no user-context credentials: set X_USER_TOKEN or the four OAuth1 values")
	}
	ex := executor.New(executor.PolicyFromConfig(cfg))
	r := jobs.NewRunner(cfg, b.store, b.locker, client, ex)
	r.DryRun = dryRun
	return r, nil
}
