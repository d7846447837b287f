// Package reconcile orchestrates push, pull, initial bootstrap, conflict
// detection, conflict resolution, and atomic application to the primary
// store — the hard part of the sync engine.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/digitmide/stabsync/internal/license"
	"github.com/digitmide/stabsync/internal/primarystore"
	"github.com/digitmide/stabsync/internal/store"
	"github.com/digitmide/stabsync/internal/transport"
	"github.com/digitmide/stabsync/pkg/audit"
	"github.com/digitmide/stabsync/pkg/syncerr"
	"github.com/digitmide/stabsync/pkg/util"
)

// Mode is the direction of a reconciliation pass.
type Mode string

const (
	ModePush          Mode = "push"
	ModePull          Mode = "pull"
	ModeBidirectional Mode = "bidirectional"
)

// tableImportOrder is the fixed dependency order initial_sync imports
// tables in, so referential integrity holds.
var tableImportOrder = []string{
	"users", "roles", "permissions", "contacts", "resources",
	"logbook_entries", "wiki_articles", "scenarios", "checklists",
}

// Reconciler wires the metadata store, primary store adapter, transport
// client, and license store together. A Reconciler is constructed once
// per process by the engine and passed by reference.
type Reconciler struct {
	metadata  *store.Store
	primary   *primarystore.Adapter
	transport *transport.Client
	license   *license.Store
	deviceID  string

	batchSize          int
	conflictResolution string

	pushSem *semaphore.Weighted
	pullSem *semaphore.Weighted
}

// New constructs a Reconciler.
func New(metadata *store.Store, primary *primarystore.Adapter, t *transport.Client, lic *license.Store, deviceID string, batchSize int, conflictResolution string) *Reconciler {
	if batchSize <= 0 {
		batchSize = 100
	}
	if conflictResolution == "" {
		conflictResolution = "remote_wins"
	}
	return &Reconciler{
		metadata:           metadata,
		primary:            primary,
		transport:          t,
		license:            lic,
		deviceID:           deviceID,
		batchSize:          batchSize,
		conflictResolution: conflictResolution,
		pushSem:            semaphore.NewWeighted(1),
		pullSem:            semaphore.NewWeighted(1),
	}
}

// Sync runs one reconciliation pass in the given mode.
func (r *Reconciler) Sync(ctx context.Context, mode Mode) error {
	if !r.license.IsValid() {
		return syncerr.NewLicenseError("invalid_or_expired", r.deviceID)
	}
	if !r.license.Features()["sync"] {
		return syncerr.NewFeatureDisabledError("sync")
	}

	running, err := r.metadata.RunningSessionCount(ctx)
	if err != nil {
		return err
	}
	if running > 0 {
		return syncerr.NewSessionConflictError(r.deviceID)
	}

	syncID := fmt.Sprintf("%s-%d", r.deviceID, time.Now().Unix())
	if err := r.metadata.OpenSession(ctx, syncID, string(mode)); err != nil {
		return err
	}

	started := time.Now()
	var pushErr, pullErr error

	if mode == ModePush || mode == ModeBidirectional {
		pushErr = r.push(ctx, syncID)
	}
	if mode == ModePull || mode == ModeBidirectional {
		pullErr = r.pull(ctx, syncID)
	}

	status := "completed"
	errMsg := ""
	switch {
	case ctx.Err() != nil:
		status = "failed"
		errMsg = "cancelled"
	case pushErr != nil || pullErr != nil:
		status = "failed"
		errMsg = joinErrs(pushErr, pullErr)
	}

	if err := r.metadata.CloseSession(context.WithoutCancel(ctx), syncID, status, errMsg); err != nil {
		util.Warnf("reconcile: closing session %s: %v", syncID, err)
	}

	event := audit.NewEvent("daemon", r.deviceID, "sync."+string(mode)).
		WithDirection(string(mode)).
		WithSyncID(syncID).
		WithDuration(time.Since(started))
	if status == "completed" {
		event.WithSuccess()
	} else {
		event.WithError(combineErr(pushErr, pullErr))
	}
	audit.Log(event)

	if status != "completed" {
		if pushErr != nil {
			return pushErr
		}
		return pullErr
	}
	return nil
}

func joinErrs(a, b error) string {
	switch {
	case a != nil && b != nil:
		return a.Error() + "; " + b.Error()
	case a != nil:
		return a.Error()
	case b != nil:
		return b.Error()
	default:
		return ""
	}
}

func combineErr(a, b error) error {
	if a != nil {
		return a
	}
	return b
}

// push fetches the oldest pending batch and uploads it. An empty batch
// succeeds immediately. On failure, entries remain unsynced for the next
// cycle to retransmit.
func (r *Reconciler) push(ctx context.Context, syncID string) error {
	if err := r.pushSem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer r.pushSem.Release(1)

	entries, err := r.metadata.Pending(ctx, r.batchSize)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	changes := make([]transport.ChangePayload, 0, len(entries))
	for _, e := range entries {
		changes = append(changes, transport.ChangePayload{
			Seq:       e.Seq,
			TableName: e.TableName,
			RecordID:  e.RecordID,
			Operation: string(e.Operation),
			DataHash:  e.DataHash,
			Data:      e.Payload,
		})
	}

	req := transport.PushRequest{
		DeviceID:  r.deviceID,
		SyncID:    syncID,
		Changes:   changes,
		Timestamp: time.Now().UTC(),
	}

	cfg := r.license.SyncConfig()
	if err := r.transport.Push(ctx, cfg.LicenseKey, req); err != nil {
		return err
	}

	if err := r.metadata.MarkSynced(ctx, entries, syncID); err != nil {
		return err
	}
	return r.metadata.IncrementSession(ctx, syncID, len(entries), 0, 0)
}

// pull downloads remote changes since the last completed session and
// applies them, detecting and resolving conflicts along the way.
func (r *Reconciler) pull(ctx context.Context, syncID string) error {
	if err := r.pullSem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer r.pullSem.Release(1)

	since, err := r.metadata.LastCompletedSyncTime(ctx)
	if err != nil {
		return err
	}

	cfg := r.license.SyncConfig()
	resp, err := r.transport.Pull(ctx, cfg.LicenseKey, syncID, r.deviceID, since, r.batchSize)
	if err != nil {
		return err
	}

	applied, conflicts := 0, 0
	var conflicted []transport.RemoteChange
	var clean []transport.RemoteChange

	for _, change := range resp.Changes {
		hasConflict, err := r.metadata.HasUnsyncedEntry(ctx, change.TableName, change.RecordID)
		if err != nil {
			return err
		}
		if hasConflict {
			conflicted = append(conflicted, change)
			continue
		}
		clean = append(clean, change)
	}

	for _, change := range clean {
		if err := r.applyChange(ctx, change); err != nil {
			util.Warnf("reconcile: skipping remote change %s/%s: %v", change.TableName, change.RecordID, err)
			continue
		}
		applied++
	}

	for _, change := range conflicted {
		resolved, err := r.resolveConflict(ctx, syncID, change)
		if err != nil {
			util.Warnf("reconcile: resolving conflict %s/%s: %v", change.TableName, change.RecordID, err)
			continue
		}
		conflicts++
		if resolved {
			applied++
		}
	}

	return r.metadata.IncrementSession(ctx, syncID, 0, applied, conflicts)
}

// applyChange applies one remote change to the primary store. INSERT runs
// update-then-insert in one transaction; UPDATE runs the update and, when
// it affects no row, a separate insert, so the two are not one transaction;
// DELETE is a single statement.
func (r *Reconciler) applyChange(ctx context.Context, change transport.RemoteChange) error {
	switch change.Operation {
	case "INSERT":
		return r.primary.UpdateThenInsert(ctx, change.TableName, change.Data)
	case "UPDATE":
		affected, err := r.primary.ApplyUpdate(ctx, change.TableName, change.RecordID, change.Data)
		if err != nil {
			return err
		}
		if affected == 0 {
			return r.primary.ApplyInsert(ctx, change.TableName, change.Data)
		}
		return nil
	case "DELETE":
		return r.primary.ApplyDelete(ctx, change.TableName, change.RecordID)
	default:
		return syncerr.NewSchemaMismatchError(change.TableName, change.RecordID, fmt.Errorf("unknown operation %q", change.Operation))
	}
}

// resolveConflict applies the configured policy to a conflicting remote
// change and records a ConflictRecord. It reports whether the remote
// change ended up applied to the primary store.
func (r *Reconciler) resolveConflict(ctx context.Context, syncID string, change transport.RemoteChange) (bool, error) {
	local := map[string]interface{}{"table_name": change.TableName, "record_id": change.RecordID}
	applied := false
	resolution := r.conflictResolution

	switch r.conflictResolution {
	case "local_wins":
		// Drop the remote change; retain local state.
	case "merge":
		merged := mergeFields(local, change.Data)
		if err := r.applyChangeData(ctx, change, merged); err != nil {
			return false, err
		}
		applied = true
	default: // remote_wins
		resolution = "remote_wins"
		if err := r.applyChangeData(ctx, change, change.Data); err != nil {
			return false, err
		}
		applied = true
	}

	err := r.metadata.RecordConflict(ctx, store.ConflictRecord{
		SyncID:     syncID,
		TableName:  change.TableName,
		RecordID:   change.RecordID,
		LocalData:  local,
		RemoteData: change.Data,
		Resolution: resolution,
		ResolvedAt: time.Now(),
		ResolvedBy: "policy:" + resolution,
	})
	event := audit.NewEvent("policy:"+resolution, r.deviceID, "conflict.resolve").
		WithTables([]string{change.TableName})
	if err == nil {
		event.WithSuccess()
	} else {
		event.WithError(err)
	}
	audit.Log(event)
	return applied, err
}

func (r *Reconciler) applyChangeData(ctx context.Context, change transport.RemoteChange, data map[string]interface{}) error {
	forced := transport.RemoteChange{TableName: change.TableName, RecordID: change.RecordID, Operation: change.Operation, Data: data}
	return r.applyChange(ctx, forced)
}

// mergeFields attempts a field-wise merge: union of fields, preferring
// the side with the later updated_at timestamp on overlap, else remote.
func mergeFields(local, remote map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(local)+len(remote))
	for k, v := range local {
		merged[k] = v
	}

	preferRemote := true
	localTS, localOK := parseUpdatedAt(local["updated_at"])
	remoteTS, remoteOK := parseUpdatedAt(remote["updated_at"])
	if localOK && remoteOK {
		preferRemote = !remoteTS.Before(localTS)
	}

	for k, v := range remote {
		if _, exists := merged[k]; !exists || preferRemote {
			merged[k] = v
		}
	}
	return merged
}

func parseUpdatedAt(v interface{}) (time.Time, bool) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// InitialSync is the one-shot bootstrap used on first activation.
func (r *Reconciler) InitialSync(ctx context.Context) error {
	if !r.license.IsValid() {
		return syncerr.NewLicenseError("invalid_or_expired", r.deviceID)
	}

	cfg := r.license.SyncConfig()
	tables, err := r.transport.Initial(ctx, cfg.LicenseKey, r.deviceID)
	if err != nil {
		return err
	}

	var tableErrs []error
	for _, table := range tableImportOrder {
		rows, ok := tables[table]
		if !ok {
			continue
		}
		if err := r.importTable(ctx, table, rows); err != nil {
			tableErrs = append(tableErrs, fmt.Errorf("table %s: %w", table, err))
		}
	}

	combined := errors.Join(tableErrs...)
	event := audit.NewEvent("daemon", r.deviceID, "sync.initial").WithTables(tableImportOrder)
	if combined == nil {
		event.WithSuccess()
	} else {
		event.WithError(combined)
	}
	audit.Log(event)

	return combined
}

// importTable imports the rows of one table in order. Each row is written
// in its own transaction; the first failing row stops the table, so rows
// before it stay imported and rows after it are not attempted. A failing
// table does not stop the whole bootstrap.
func (r *Reconciler) importTable(ctx context.Context, table string, rows []map[string]interface{}) error {
	for _, row := range rows {
		if id, ok := row["id"]; ok && id != nil && id != "" {
			if err := r.primary.UpdateThenInsert(ctx, table, row); err != nil {
				return err
			}
			continue
		}
		if err := r.primary.ApplyInsert(ctx, table, row); err != nil {
			return err
		}
	}
	return nil
}
