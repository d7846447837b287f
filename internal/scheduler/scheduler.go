// Package scheduler drives the long-running reconciliation loop: one-shot
// sync, initial bootstrap, the daemon loop with failure backoff, and the
// heartbeat liveness probe. Single-instance enforcement for the daemon
// shape lives here too.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gofrs/flock"

	"github.com/digitmide/stabsync/internal/license"
	"github.com/digitmide/stabsync/internal/reconcile"
	"github.com/digitmide/stabsync/internal/transport"
	"github.com/digitmide/stabsync/pkg/util"
)

// Scheduler wires a Reconciler, transport client, and license store into
// the three run shapes the CLI exposes.
type Scheduler struct {
	reconciler *reconcile.Reconciler
	transport  *transport.Client
	license    *license.Store
	deviceID   string
	lockPath   string
}

// New constructs a Scheduler.
func New(r *reconcile.Reconciler, t *transport.Client, lic *license.Store, deviceID, lockPath string) *Scheduler {
	return &Scheduler{reconciler: r, transport: t, license: lic, deviceID: deviceID, lockPath: lockPath}
}

// RunOnce runs a single reconciliation pass and returns its error, if any,
// for the CLI to map to an exit code.
func (s *Scheduler) RunOnce(ctx context.Context, mode reconcile.Mode) error {
	return s.reconciler.Sync(ctx, mode)
}

// RunInitial runs the one-shot bootstrap.
func (s *Scheduler) RunInitial(ctx context.Context) error {
	return s.reconciler.InitialSync(ctx)
}

// Heartbeat posts a liveness probe and swallows transport failures.
func (s *Scheduler) Heartbeat(ctx context.Context) bool {
	cfg := s.license.SyncConfig()
	return s.transport.Heartbeat(ctx, s.deviceID, cfg.LicenseKey)
}

// RunDaemon takes the exclusive lock at lockPath without waiting (a second
// instance gets an error at once), then loops sync(mode) until ctx is
// cancelled. A termination signal (delivered via ctx cancellation by the
// caller) reaches the running iteration through ctx: its in-flight network
// and database calls are aborted, an open transaction is rolled back, the
// session is closed as failed with error "cancelled", and RunDaemon
// returns nil.
//
// Consecutive failures widen the sleep via capped exponential backoff
// instead of hammering the authority at the fixed interval; a successful
// iteration resets the backoff and returns to the configured interval.
func (s *Scheduler) RunDaemon(ctx context.Context, interval time.Duration, mode reconcile.Mode) error {
	fl := flock.New(s.lockPath)
	locked, err := fl.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring daemon lock %s: %w", s.lockPath, err)
	}
	if !locked {
		return fmt.Errorf("another daemon instance holds the lock at %s", s.lockPath)
	}
	defer fl.Unlock()

	failureBackoff := backoff.NewExponentialBackOff()
	failureBackoff.InitialInterval = interval
	failureBackoff.MaxInterval = interval * 10
	failureBackoff.Multiplier = 2
	failureBackoff.MaxElapsedTime = 0
	// Reset so the first failure waits InitialInterval, not the library default.
	failureBackoff.Reset()

	for {
		if ctx.Err() != nil {
			return nil
		}

		sleep := interval
		if err := s.reconciler.Sync(ctx, mode); err != nil {
			util.Errorf("daemon: sync iteration failed: %v", err)
			sleep = failureBackoff.NextBackOff()
		} else {
			failureBackoff.Reset()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(sleep):
		}
	}
}
