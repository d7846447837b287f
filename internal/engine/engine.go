// Package engine is the single process-wide construction wiring identity,
// the license store, both embedded databases, the transport client, the
// reconciler, and the scheduler into one value passed by reference. No
// component reaches for a package-level global to get at another.
package engine

import (
	"fmt"
	"path/filepath"

	"github.com/digitmide/stabsync/internal/config"
	"github.com/digitmide/stabsync/internal/identity"
	"github.com/digitmide/stabsync/internal/license"
	"github.com/digitmide/stabsync/internal/primarystore"
	"github.com/digitmide/stabsync/internal/reconcile"
	"github.com/digitmide/stabsync/internal/scheduler"
	"github.com/digitmide/stabsync/internal/store"
	"github.com/digitmide/stabsync/internal/transport"
)

// Engine owns every long-lived handle the CLI subcommands operate on.
type Engine struct {
	Config    *config.AppConfig
	Identity  *identity.DeviceIdentity
	Metadata  *store.Store
	Primary   *primarystore.Adapter
	Transport *transport.Client
	License   *license.Store
	Reconcile *reconcile.Reconciler
	Scheduler *scheduler.Scheduler
}

// New constructs the engine from a loaded config, opening both databases
// and wiring every component. Callers must call Close when done.
func New(cfg *config.AppConfig) (*Engine, error) {
	id := identity.New()

	metadata, err := store.Open(cfg.SyncDBPath)
	if err != nil {
		return nil, fmt.Errorf("opening metadata store: %w", err)
	}

	primary, err := primarystore.Open(cfg.DatabasePath)
	if err != nil {
		metadata.Close()
		return nil, fmt.Errorf("opening primary store: %w", err)
	}

	transportClient := transport.NewClient(cfg.GetServerURL(), id.DeviceID, cfg.GetCompression())

	licensePath := licenseFilePath(cfg)
	licStore := license.NewStore(licensePath, id, transportClient)

	reconciler := reconcile.New(metadata, primary, transportClient, licStore, id.DeviceID, cfg.GetBatchSize(), cfg.GetConflictResolution())
	sched := scheduler.New(reconciler, transportClient, licStore, id.DeviceID, cfg.GetLockPath())

	return &Engine{
		Config:    cfg,
		Identity:  id,
		Metadata:  metadata,
		Primary:   primary,
		Transport: transportClient,
		License:   licStore,
		Reconcile: reconciler,
		Scheduler: sched,
	}, nil
}

// Close releases both database handles.
func (e *Engine) Close() error {
	var errs []error
	if err := e.Metadata.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := e.Primary.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("closing engine: %v", errs)
	}
	return nil
}

// licenseFilePath places license.json alongside the other state files in
// the sync_db_path directory, per §6's on-disk state layout.
func licenseFilePath(cfg *config.AppConfig) string {
	dir := filepath.Dir(cfg.SyncDBPath)
	if cfg.SyncDBPath == "" {
		dir = "/var/lib/stabsync"
	}
	return filepath.Join(dir, "license.json")
}
