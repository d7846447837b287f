package scheduler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/digitmide/stabsync/internal/identity"
	"github.com/digitmide/stabsync/internal/license"
	"github.com/digitmide/stabsync/internal/primarystore"
	"github.com/digitmide/stabsync/internal/reconcile"
	"github.com/digitmide/stabsync/internal/store"
	"github.com/digitmide/stabsync/internal/transport"
)

const testDeviceID = "dev-sched1"

type testRig struct {
	scheduler *Scheduler
	lockPath  string
}

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
	if _, err := primary.DB().Exec(`CREATE TABLE contacts (id TEXT PRIMARY KEY, name TEXT)`); err != nil {
		t.Fatalf("creating contacts table: %v", err)
	}

	id := &identity.DeviceIdentity{DeviceID: testDeviceID, Hostname: "pi-test"}
	licensePath := filepath.Join(t.TempDir(), "license.json")
	seedValidLicense(t, licensePath, id)

	client := transport.NewClient(server.URL, testDeviceID, false)
	licStore := license.NewStore(licensePath, id, client)

	r := reconcile.New(metadata, primary, client, licStore, testDeviceID, 100, "remote_wins")
	lockPath := filepath.Join(t.TempDir(), "stabsync.lock")
	sched := New(r, client, licStore, testDeviceID, lockPath)
	return &testRig{scheduler: sched, lockPath: lockPath}
}

func seedValidLicense(t *testing.T, path string, id *identity.DeviceIdentity) {
	t.Helper()
	seedServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := transport.ValidateLicenseResponse{
			ValidUntil:   time.Now().Add(time.Hour),
			Features:     map[string]bool{"core": true, "offline": true, "sync": true},
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

func TestRunOnce_Succeeds(t *testing.T) {
	rig := newTestRig(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	if err := rig.scheduler.RunOnce(context.Background(), reconcile.ModePush); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
}

func TestRunInitial_Succeeds(t *testing.T) {
	rig := newTestRig(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/pi/sync/initial" {
			json.NewEncoder(w).Encode(map[string][]map[string]interface{}{})
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	if err := rig.scheduler.RunInitial(context.Background()); err != nil {
		t.Fatalf("RunInitial failed: %v", err)
	}
}

func TestHeartbeat_SwallowsFailure(t *testing.T) {
	rig := newTestRig(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	if rig.scheduler.Heartbeat(context.Background()) {
		t.Error("expected Heartbeat to report false on server error")
	}
}

func TestRunDaemon_StopsOnCancellation(t *testing.T) {
	var iterations int
	rig := newTestRig(t, func(w http.ResponseWriter, r *http.Request) {
		iterations++
		w.WriteHeader(http.StatusOK)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	err := rig.scheduler.RunDaemon(ctx, 20*time.Millisecond, reconcile.ModePull)
	if err != nil {
		t.Fatalf("RunDaemon failed: %v", err)
	}
	if iterations == 0 {
		t.Error("expected at least one sync iteration before cancellation")
	}
}

func TestRunDaemon_RefusesSecondInstance(t *testing.T) {
	rig := newTestRig(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- rig.scheduler.RunDaemon(ctx, 50*time.Millisecond, reconcile.ModePush)
	}()

	// give the first daemon time to acquire the lock
	time.Sleep(30 * time.Millisecond)

	second := New(nil, nil, nil, testDeviceID, rig.lockPath)
	if err := second.RunDaemon(ctx, time.Second, reconcile.ModePush); err == nil {
		t.Error("expected second daemon instance to fail acquiring the lock")
	}

	cancel()
	<-done
}
