package engine

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/tunetrainer/synccore/internal/casing"
	"github.com/tunetrainer/synccore/internal/config"
	"github.com/tunetrainer/synccore/internal/localstore"
	"github.com/tunetrainer/synccore/internal/registry"
	"github.com/tunetrainer/synccore/internal/wire"
)

type fakeTransport struct {
	responses []wire.SyncResponse
	calls     []wire.SyncRequest
	next      int
}

func (f *fakeTransport) Sync(ctx context.Context, req wire.SyncRequest) (wire.SyncResponse, error) {
	f.calls = append(f.calls, req)
	if f.next >= len(f.responses) {
		return wire.SyncResponse{}, nil
	}
	resp := f.responses[f.next]
	f.next++
	return resp, nil
}

func setupEngine(t *testing.T) (*Engine, *localstore.Store, *fakeTransport) {
	t.Helper()
	store, err := localstore.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	if _, err := store.DB().Exec(`CREATE TABLE tune (id TEXT PRIMARY KEY, title TEXT, deleted INTEGER NOT NULL DEFAULT 0, last_modified_at TEXT)`); err != nil {
		t.Fatalf("creating tune table: %v", err)
	}

	reg := registry.New()
	reg.Register(registry.Table{
		Name:           "tune",
		PrimaryKey:     []string{"id"},
		HasDeletedFlag: true,
		SyncOrder:      0,
	})

	adapt, err := casing.BuildSet(reg, nil)
	if err != nil {
		t.Fatalf("BuildSet: %v", err)
	}

	watermarks, err := NewSQLWatermarkStore(store.DB())
	if err != nil {
		t.Fatalf("NewSQLWatermarkStore: %v", err)
	}

	transport := &fakeTransport{}
	e := New(store, reg, adapt, transport, watermarks, config.DefaultEngine())
	return e, store, transport
}

func TestCycle_InitialPullAppliesRowsAndSetsWatermark(t *testing.T) {
	e, store, transport := setupEngine(t)
	ctx := context.Background()

	data, _ := json.Marshal(map[string]any{"id": "T1", "title": "Silver Spear"})
	transport.responses = []wire.SyncResponse{
		{
			Changes: []wire.Change{
				{Table: "tune", RowID: "T1", Data: data, LastModifiedAt: "2025-01-01T10:00:00Z"},
			},
			SyncedAt:      "2025-01-01T10:00:05Z",
			SyncStartedAt: "2025-01-01T10:00:00Z",
		},
	}

	result, err := e.Cycle(ctx, "user-1", "device-a")
	if err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if !result.Success {
		t.Fatalf("want success, got %+v", result)
	}
	if result.ItemsSynced != 1 {
		t.Fatalf("want 1 item synced, got %d", result.ItemsSynced)
	}

	var title string
	if err := store.DB().QueryRow(`SELECT title FROM tune WHERE id = 'T1'`).Scan(&title); err != nil {
		t.Fatalf("querying applied row: %v", err)
	}
	if title != "Silver Spear" {
		t.Fatalf("want title %q, got %q", "Silver Spear", title)
	}

	watermarks, _ := NewSQLWatermarkStore(store.DB())
	wm, ok, err := watermarks.Get(ctx, "user-1")
	if err != nil || !ok {
		t.Fatalf("want watermark set, got ok=%v err=%v", ok, err)
	}
	// Initial cycle persists the mediator's syncStartedAt anchor, not syncedAt.
	if wm != "2025-01-01T10:00:00Z" {
		t.Fatalf("want watermark %q, got %q", "2025-01-01T10:00:00Z", wm)
	}

	if len(transport.calls) != 1 {
		t.Fatalf("want 1 transport call, got %d", len(transport.calls))
	}
	if transport.calls[0].LastSyncAt != "" {
		t.Fatalf("initial cycle must not send lastSyncAt, got %q", transport.calls[0].LastSyncAt)
	}
}

func TestCycle_AppliesDeletedChangeAsSoftDelete(t *testing.T) {
	e, store, transport := setupEngine(t)
	ctx := context.Background()

	if _, err := store.DB().Exec(`INSERT INTO tune (id, title, last_modified_at) VALUES ('T1', 'Silver Spear', '2025-01-01T09:00:00Z')`); err != nil {
		t.Fatalf("seeding row: %v", err)
	}

	transport.responses = []wire.SyncResponse{
		{
			Changes: []wire.Change{
				{Table: "tune", RowID: "T1", Deleted: true, LastModifiedAt: "2025-01-01T10:00:00Z"},
			},
			SyncedAt:      "2025-01-01T10:00:05Z",
			SyncStartedAt: "2025-01-01T10:00:00Z",
		},
	}

	result, err := e.Cycle(ctx, "user-1", "device-a")
	if err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if result.ItemsSynced != 1 {
		t.Fatalf("want 1 item synced, got %+v", result)
	}

	var deleted int
	if err := store.DB().QueryRow(`SELECT deleted FROM tune WHERE id = 'T1'`).Scan(&deleted); err != nil {
		t.Fatalf("querying row: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("want soft-deleted row, got deleted=%d", deleted)
	}
}

func TestCycle_TransportFailureLeavesWatermarkUnchanged(t *testing.T) {
	store, err := localstore.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer store.Close()
	if _, err := store.DB().Exec(`CREATE TABLE tune (id TEXT PRIMARY KEY, title TEXT, deleted INTEGER NOT NULL DEFAULT 0, last_modified_at TEXT)`); err != nil {
		t.Fatalf("creating tune table: %v", err)
	}
	reg := registry.New()
	reg.Register(registry.Table{Name: "tune", PrimaryKey: []string{"id"}, HasDeletedFlag: true})
	adapt, _ := casing.BuildSet(reg, nil)
	watermarks, _ := NewSQLWatermarkStore(store.DB())

	e := New(store, reg, adapt, &failingTransport{}, watermarks, config.DefaultEngine())
	result, err := e.Cycle(context.Background(), "user-1", "device-a")
	if err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if result.Success {
		t.Fatalf("want failure result, got %+v", result)
	}
	if _, ok := result.Errors[0].(*TransportError); !ok {
		t.Fatalf("want TransportError, got %T", result.Errors[0])
	}
	_, has, _ := watermarks.Get(context.Background(), "user-1")
	if has {
		t.Fatalf("want watermark untouched after transport failure")
	}
}

func TestCycle_PushConflictIncrementsConflictsAndClearsOutboxEntry(t *testing.T) {
	e, store, transport := setupEngine(t)
	ctx := context.Background()

	seedOutboxEntry(t, store, "T1", "tune")

	transport.responses = []wire.SyncResponse{
		{
			SyncedAt:      "2025-01-01T10:00:05Z",
			SyncStartedAt: "2025-01-01T10:00:00Z",
			PushResults:   []wire.PushResult{{Table: "tune", RowID: "T1", Outcome: wire.PushConflict}},
		},
	}

	result, err := e.Cycle(ctx, "user-1", "device-a")
	if err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if result.Conflicts != 1 {
		t.Fatalf("want 1 conflict, got %+v", result)
	}
	if len(result.Errors) != 0 {
		t.Fatalf("a last-write-wins conflict must stay out of Result.Errors, got %v", result.Errors)
	}

	pending, err := e.outboxDB.GetPending(ctx, 10)
	if err != nil {
		t.Fatalf("GetPending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("want conflicting entry cleared from the outbox, got %d pending", len(pending))
	}
}

func TestCycle_PushRejectedRetriesThenPermanentlyFails(t *testing.T) {
	e, store, transport := setupEngine(t)
	ctx := context.Background()

	seedOutboxEntry(t, store, "T1", "tune")

	rejection := wire.SyncResponse{
		SyncedAt:      "2025-01-01T10:00:05Z",
		SyncStartedAt: "2025-01-01T10:00:00Z",
		PushResults:   []wire.PushResult{{Table: "tune", RowID: "T1", Outcome: wire.PushRejected, Error: "unauthorized"}},
	}
	// config.DefaultMaxRetries is 3: the first two rejections return the
	// entry to pending, and the third brings its attempt count to the
	// limit, escalating to MarkPermanentlyFailed.
	transport.responses = []wire.SyncResponse{rejection, rejection, rejection}

	for i := 0; i < 2; i++ {
		result, err := e.Cycle(ctx, "user-1", "device-a")
		if err != nil {
			t.Fatalf("Cycle %d: %v", i, err)
		}
		if result.ItemsFailed != 0 {
			t.Fatalf("cycle %d: want no permanent failure yet, got %+v", i, result)
		}
		pending, err := e.outboxDB.GetPending(ctx, 10)
		if err != nil {
			t.Fatalf("GetPending: %v", err)
		}
		if len(pending) != 1 {
			t.Fatalf("cycle %d: want rejected entry still pending for retry, got %d", i, len(pending))
		}
	}

	result, err := e.Cycle(ctx, "user-1", "device-a")
	if err != nil {
		t.Fatalf("final Cycle: %v", err)
	}
	if result.ItemsFailed != 1 {
		t.Fatalf("want 1 permanently failed item, got %+v", result)
	}
	if len(result.Errors) != 1 {
		t.Fatalf("want permanent rejection surfaced in Result.Errors, got %v", result.Errors)
	}
	if _, ok := result.Errors[0].(*PushError); !ok {
		t.Fatalf("want *PushError, got %T", result.Errors[0])
	}

	pending, err := e.outboxDB.GetPending(ctx, 10)
	if err != nil {
		t.Fatalf("GetPending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("want permanently-failed entry off the pending queue, got %d", len(pending))
	}
}

// seedOutboxEntry inserts a row plus a matching pending outbox entry, so a
// cycle's push path has something to represent without going through the
// change-capture triggers.
func seedOutboxEntry(t *testing.T, store *localstore.Store, rowID, table string) {
	t.Helper()
	if _, err := store.DB().Exec(`INSERT INTO tune (id, title, last_modified_at) VALUES (?, 'Silver Spear', '2025-01-01T09:00:00Z')`, rowID); err != nil {
		t.Fatalf("seeding row: %v", err)
	}
	if _, err := store.DB().Exec(
		`INSERT INTO sync_outbox (id, table_name, row_id, operation, status, changed_at, attempts) VALUES (?, ?, ?, 'UPDATE', 'pending', '2025-01-01T09:00:00Z', 0)`,
		"outbox-"+rowID, table, rowID,
	); err != nil {
		t.Fatalf("seeding outbox entry: %v", err)
	}
}

type failingTransport struct{}

func (f *failingTransport) Sync(ctx context.Context, req wire.SyncRequest) (wire.SyncResponse, error) {
	return wire.SyncResponse{}, errTransport
}

var errTransport = &transportErr{}

type transportErr struct{}

func (e *transportErr) Error() string { return "connection refused" }
