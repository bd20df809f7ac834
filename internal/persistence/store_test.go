package persistence

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/workspace/studio-bridge/internal/presence"
	"github.com/workspace/studio-bridge/internal/sidechannel"
)

func tempDBPath(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	return filepath.Join(dir, "test.db")
}

func openStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(tempDBPath(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestOpenAndClose(t *testing.T) {
	store, err := Open(tempDBPath(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestOpenCreatesFile(t *testing.T) {
	dbPath := tempDBPath(t)
	store, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Fatal("database file was not created")
	}
}

func TestReopenKeepsData(t *testing.T) {
	dbPath := tempDBPath(t)
	store, err := Open(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.SaveExecResult(context.Background(), sidechannel.Result{Success: true, Result: "ok"}); err != nil {
		t.Fatal(err)
	}
	store.Close()

	store, err = Open(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer store.Close()
	got, err := store.ListExecResults(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("records after reopen = %d, want 1", len(got))
	}
}

func TestExecResultsNewestFirst(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, res := range []sidechannel.Result{
		{Success: true, Result: "first", RunID: "run_a", ReceivedAt: base},
		{Success: false, Error: "boom", Code: "error('boom')", RunID: "run_a", ReceivedAt: base.Add(time.Second)},
	} {
		if err := store.SaveExecResult(ctx, res); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}

	got, err := store.ListExecResults(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("records = %d", len(got))
	}
	if got[0].Success || got[0].Error != "boom" || got[0].Code != "error('boom')" {
		t.Fatalf("newest = %+v", got[0])
	}
	if !got[1].Success || got[1].Result != "first" || got[1].RunID != "run_a" {
		t.Fatalf("oldest = %+v", got[1])
	}
}

func TestListExecResultsLimit(t *testing.T) {
	store := openStore(t)
	for i := 0; i < 5; i++ {
		_ = store.SaveExecResult(context.Background(), sidechannel.Result{Success: true})
	}
	got, _ := store.ListExecResults(context.Background(), 3)
	if len(got) != 3 {
		t.Fatalf("records = %d, want 3", len(got))
	}
}

func TestRecordSessionCollapsesRepeats(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	pushes := []presence.Session{
		{SessionKey: "a", PlaceName: "Obby", PlaceID: json.RawMessage(`101`)},
		{SessionKey: "a", PlaceName: "Obby (renamed)", PlaceID: json.RawMessage(`101`), IsPublished: true},
		{SessionKey: "b", PlaceName: "Tycoon"},
	}
	for _, p := range pushes {
		if err := store.RecordSession(ctx, p); err != nil {
			t.Fatalf("RecordSession: %v", err)
		}
	}

	got, err := store.ListSessions(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("sessions = %+v", got)
	}
	if got[0].SessionKey != "b" {
		t.Fatalf("newest = %+v", got[0])
	}
	if got[1].PlaceName != "Obby (renamed)" || !got[1].IsPublished || got[1].PlaceID != "101" {
		t.Fatalf("collapsed row = %+v", got[1])
	}
}

func TestEmptyListsAreNotNil(t *testing.T) {
	store := openStore(t)
	execs, err := store.ListExecResults(context.Background(), 0)
	if err != nil || execs == nil {
		t.Fatalf("exec list = %v, %v", execs, err)
	}
	sessions, err := store.ListSessions(context.Background(), 0)
	if err != nil || sessions == nil {
		t.Fatalf("session list = %v, %v", sessions, err)
	}
}
