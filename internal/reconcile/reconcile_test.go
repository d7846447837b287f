package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/digitmide/stabsync/internal/identity"
	"github.com/digitmide/stabsync/internal/license"
	"github.com/digitmide/stabsync/internal/primarystore"
	"github.com/digitmide/stabsync/internal/store"
	"github.com/digitmide/stabsync/internal/transport"
	"github.com/digitmide/stabsync/pkg/syncerr"
)

const testDeviceID = "dev-abc123"

type testRig struct {
	reconciler *Reconciler
	metadata   *store.Store
	primary    *primarystore.Adapter
	license    *license.Store
}

// newTestRig wires a Reconciler against a fresh metadata store, primary
// store, and an httptest server playing the authority. The license is
// seeded through a real ValidateOnline call against a throwaway
// validation server, then the returned Store re-reads the same
// on-disk record against the real transport client.
func newTestRig(t *testing.T, handler http.HandlerFunc) *testRig {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	metadata, err := store.Open(filepath.Join(t.TempDir(), "metadata.db"))
	if err != nil {
		t.Fatalf("opening metadata store: %v", err)
	}
	t.Cleanup(func() { metadata.Close() })

	primary, err := primarystore.Open(filepath.Join(t.TempDir(), "primary.db"))
	if err != nil {
		t.Fatalf("opening primary store: %v", err)
	}
	t.Cleanup(func() { primary.Close() })
	if _, err := primary.DB().Exec(`CREATE TABLE contacts (id TEXT PRIMARY KEY, name TEXT, updated_at TEXT)`); err != nil {
		t.Fatalf("creating contacts table: %v", err)
	}

	licensePath := filepath.Join(t.TempDir(), "license.json")
	id := &identity.DeviceIdentity{DeviceID: testDeviceID, Hostname: "pi-test"}
	seedValidLicense(t, licensePath, id)

	client := transport.NewClient(server.URL, testDeviceID, false)
	licStore := license.NewStore(licensePath, id, client)

	r := New(metadata, primary, client, licStore, testDeviceID, 100, "remote_wins")
	return &testRig{reconciler: r, metadata: metadata, primary: primary, license: licStore}
}

// seedValidLicense runs a real ValidateOnline against a throwaway server
// so the persisted record comes from the package's own code path rather
// than a hand-built struct literal.
func seedValidLicense(t *testing.T, path string, id *identity.DeviceIdentity) {
	t.Helper()
	seedServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := transport.ValidateLicenseResponse{
			ValidUntil:   time.Now().Add(time.Hour),
			Features:     map[string]bool{"core": true, "offline": true, "sync": true},
			Tier:         "pro",
			SyncInterval: 900,
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer seedServer.Close()

	seedClient := transport.NewClient(seedServer.URL, id.DeviceID, false)
	seedStore := license.NewStore(path, id, seedClient)
	if _, err := seedStore.ValidateOnline(context.Background(), "key-1"); err != nil {
		t.Fatalf("seeding license failed: %v", err)
	}
}

func TestSync_Push_MarksEntriesSynced(t *testing.T) {
	var gotPush transport.PushRequest
	rig := newTestRig(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/pi/sync/push":
			json.NewDecoder(r.Body).Decode(&gotPush)
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	ctx := context.Background()
	if err := rig.metadata.Track(ctx, "contacts", "c1", store.OpInsert, map[string]interface{}{"id": "c1", "name": "A"}); err != nil {
		t.Fatalf("Track failed: %v", err)
	}

	if err := rig.reconciler.Sync(ctx, ModePush); err != nil {
		t.Fatalf("Sync(push) failed: %v", err)
	}

	if len(gotPush.Changes) != 1 {
		t.Fatalf("expected 1 pushed change, got %d", len(gotPush.Changes))
	}

	pending, _ := rig.metadata.Pending(ctx, 10)
	if len(pending) != 0 {
		t.Errorf("expected 0 pending entries after push, got %d", len(pending))
	}
}

func TestSync_Push_EmptyBatchSucceeds(t *testing.T) {
	called := false
	rig := newTestRig(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/pi/sync/push" {
			called = true
		}
		w.WriteHeader(http.StatusOK)
	})

	if err := rig.reconciler.Sync(context.Background(), ModePush); err != nil {
		t.Fatalf("Sync(push) with no pending entries failed: %v", err)
	}
	if called {
		t.Error("expected no push call for an empty batch")
	}
}

func TestSync_Pull_AppliesCleanChange(t *testing.T) {
	rig := newTestRig(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/pi/sync/pull":
			resp := transport.PullResponse{Changes: []transport.RemoteChange{
				{TableName: "contacts", RecordID: "c1", Operation: "INSERT", Data: map[string]interface{}{"id": "c1", "name": "Remote"}},
			}}
			json.NewEncoder(w).Encode(resp)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	ctx := context.Background()
	if err := rig.reconciler.Sync(ctx, ModePull); err != nil {
		t.Fatalf("Sync(pull) failed: %v", err)
	}

	var name string
	if err := rig.primary.DB().QueryRow(`SELECT name FROM contacts WHERE id = ?`, "c1").Scan(&name); err != nil {
		t.Fatalf("querying applied row: %v", err)
	}
	if name != "Remote" {
		t.Errorf("name = %q, want Remote", name)
	}
}

func TestSync_Pull_ConflictRemoteWins(t *testing.T) {
	rig := newTestRig(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/pi/sync/pull":
			resp := transport.PullResponse{Changes: []transport.RemoteChange{
				{TableName: "contacts", RecordID: "c1", Operation: "UPDATE", Data: map[string]interface{}{"id": "c1", "name": "FromServer"}},
			}}
			json.NewEncoder(w).Encode(resp)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	ctx := context.Background()
	if _, err := rig.primary.DB().Exec(`INSERT INTO contacts (id, name) VALUES ('c1', 'Local')`); err != nil {
		t.Fatalf("seeding local row: %v", err)
	}
	if err := rig.metadata.Track(ctx, "contacts", "c1", store.OpUpdate, map[string]interface{}{"id": "c1", "name": "Local"}); err != nil {
		t.Fatalf("Track failed: %v", err)
	}

	if err := rig.reconciler.Sync(ctx, ModePull); err != nil {
		t.Fatalf("Sync(pull) failed: %v", err)
	}

	var name string
	rig.primary.DB().QueryRow(`SELECT name FROM contacts WHERE id = ?`, "c1").Scan(&name)
	if name != "FromServer" {
		t.Errorf("name = %q, want FromServer (remote_wins)", name)
	}

	conflicts, err := rig.metadata.RecentConflicts(ctx, 10)
	if err != nil {
		t.Fatalf("RecentConflicts failed: %v", err)
	}
	if len(conflicts) != 1 {
		t.Fatalf("expected 1 conflict record, got %d", len(conflicts))
	}
	if conflicts[0].Resolution != "remote_wins" {
		t.Errorf("Resolution = %q", conflicts[0].Resolution)
	}
}

func TestSync_RecordsSessionCounters(t *testing.T) {
	var gotPush transport.PushRequest
	rig := newTestRig(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/pi/sync/push":
			json.NewDecoder(r.Body).Decode(&gotPush)
			w.WriteHeader(http.StatusOK)
		case "/api/pi/sync/pull":
			resp := transport.PullResponse{Changes: []transport.RemoteChange{
				{TableName: "contacts", RecordID: "c2", Operation: "INSERT", Data: map[string]interface{}{"id": "c2", "name": "Remote"}},
			}}
			json.NewEncoder(w).Encode(resp)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	ctx := context.Background()
	if err := rig.metadata.Track(ctx, "contacts", "c1", store.OpInsert, map[string]interface{}{"id": "c1", "name": "A"}); err != nil {
		t.Fatalf("Track failed: %v", err)
	}

	if err := rig.reconciler.Sync(ctx, ModeBidirectional); err != nil {
		t.Fatalf("Sync(bidirectional) failed: %v", err)
	}
	if gotPush.SyncID == "" {
		t.Fatal("push handler never saw a sync_id")
	}

	sess, err := rig.metadata.GetSession(ctx, gotPush.SyncID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if sess.Status != "completed" {
		t.Errorf("Status = %q, want completed", sess.Status)
	}
	if sess.RecordsSent != 1 {
		t.Errorf("RecordsSent = %d, want 1 (CloseSession must not clobber counters IncrementSession already wrote)", sess.RecordsSent)
	}
	if sess.RecordsReceived != 1 {
		t.Errorf("RecordsReceived = %d, want 1", sess.RecordsReceived)
	}
}

func TestSync_RefusesWhileSessionRunning(t *testing.T) {
	rig := newTestRig(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	ctx := context.Background()
	if err := rig.metadata.OpenSession(ctx, "dev-abc123-1", "push"); err != nil {
		t.Fatalf("seeding a running session failed: %v", err)
	}

	err := rig.reconciler.Sync(ctx, ModePush)
	if err == nil {
		t.Fatal("expected Sync to refuse while a session is already running")
	}
	var conflict *syncerr.SessionConflictError
	if !errors.As(err, &conflict) {
		t.Errorf("expected a SessionConflictError, got %T: %v", err, err)
	}
}

func TestSync_LicenseInvalid_Refuses(t *testing.T) {
	rig := newTestRig(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	unlicensed := license.NewStore(filepath.Join(t.TempDir(), "missing-license.json"),
		&identity.DeviceIdentity{DeviceID: testDeviceID}, nil)
	r := New(rig.metadata, rig.primary, transport.NewClient("http://unused", testDeviceID, false), unlicensed, testDeviceID, 100, "remote_wins")

	if err := r.Sync(context.Background(), ModePush); err == nil {
		t.Fatal("expected error when no license record is persisted")
	}
}

func TestInitialSync_ImportsKnownTables(t *testing.T) {
	rig := newTestRig(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/pi/sync/initial":
			tables := map[string][]map[string]interface{}{
				"contacts": {
					{"id": "c1", "name": "Imported"},
				},
			}
			json.NewEncoder(w).Encode(tables)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	if err := rig.reconciler.InitialSync(context.Background()); err != nil {
		t.Fatalf("InitialSync failed: %v", err)
	}

	var name string
	rig.primary.DB().QueryRow(`SELECT name FROM contacts WHERE id = ?`, "c1").Scan(&name)
	if name != "Imported" {
		t.Errorf("name = %q, want Imported", name)
	}
}

func TestMergeFields_PrefersNewerUpdatedAt(t *testing.T) {
	local := map[string]interface{}{
		"name":       "Local",
		"updated_at": time.Now().Add(-time.Hour).Format(time.RFC3339),
	}
	remote := map[string]interface{}{
		"name":       "Remote",
		"updated_at": time.Now().Format(time.RFC3339),
	}

	merged := mergeFields(local, remote)
	if merged["name"] != "Remote" {
		t.Errorf("expected remote field to win when newer, got %v", merged["name"])
	}
}

func TestMergeFields_KeepsLocalWhenNewer(t *testing.T) {
	local := map[string]interface{}{
		"name":       "Local",
		"updated_at": time.Now().Format(time.RFC3339),
	}
	remote := map[string]interface{}{
		"name":       "Remote",
		"updated_at": time.Now().Add(-time.Hour).Format(time.RFC3339),
	}

	merged := mergeFields(local, remote)
	if merged["name"] != "Local" {
		t.Errorf("expected local field to win when newer, got %v", merged["name"])
	}
}
