package sheets

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"fleetbot/pkg/logx"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	st, err := OpenSQLite(SQLiteConfig{Path: filepath.Join(t.TempDir(), "store.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestWriteRangeReadAllRoundTrip(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	rows := [][]string{
		{"group_id", "vin", "title", "status"},
		{"-100123", "1FUJGLDR5JLJ12345", "Dispatch", "ACTIVE"},
		{"-100456", "3AKJHHDR9LSL67890", "Night crew", "ACTIVE"},
	}
	if err := st.WriteRange(ctx, "groups", 1, 1, rows); err != nil {
		t.Fatalf("WriteRange: %v", err)
	}

	got, err := st.ReadAll(ctx, "groups")
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(got))
	}
	if got[1][1] != "1FUJGLDR5JLJ12345" {
		t.Fatalf("unexpected cell: %q", got[1][1])
	}
}

func TestReadRangeReturnsOnlyRequestedRows(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	if err := st.WriteRange(ctx, "tracker", 1, 1, [][]string{
		{"r1"}, {"r2"}, {"r3"}, {"r4"},
	}); err != nil {
		t.Fatalf("WriteRange: %v", err)
	}

	got, err := st.ReadRange(ctx, "tracker", 2, 2)
	if err != nil {
		t.Fatalf("ReadRange: %v", err)
	}
	if len(got) != 2 || got[0][0] != "r2" || got[1][0] != "r3" {
		t.Fatalf("unexpected range result: %v", got)
	}
}

func TestReadRangeRejectsBadBounds(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)

	_, err := st.ReadRange(context.Background(), "tracker", 0, 5)
	var se *Error
	if !errors.As(err, &se) || se.Kind != KindInvalid {
		t.Fatalf("expected KindInvalid, got %v", err)
	}
}

func TestBatchWriteUpdatesSparseCells(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	if err := st.WriteRange(ctx, "tracker", 1, 1, [][]string{
		{"vin", "b", "c", "d", "e", "loc", "lat", "lon"},
		{"V1", "", "", "", "", "old town", "1", "2"},
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	err := st.BatchWrite(ctx, "tracker", []Update{
		{Row: 2, StartCol: 6, Values: []string{"new town", "41.878", "-87.629"}},
	})
	if err != nil {
		t.Fatalf("BatchWrite: %v", err)
	}

	got, err := st.ReadAll(ctx, "tracker")
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if got[1][5] != "new town" || got[1][6] != "41.878" {
		t.Fatalf("update not applied: %v", got[1])
	}
	if got[1][0] != "V1" {
		t.Fatalf("untouched cell clobbered: %v", got[1])
	}
}

func TestAppendExtendsWorksheet(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	if err := st.Append(ctx, "log", [][]string{{"first"}}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := st.Append(ctx, "log", [][]string{{"second"}, {"third"}}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	got, err := st.ReadAll(ctx, "log")
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(got) != 3 || got[2][0] != "third" {
		t.Fatalf("unexpected rows after append: %v", got)
	}
}

func TestWorksheetsAreIsolated(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	if err := st.Append(ctx, "a", [][]string{{"only-a"}}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	got, err := st.ReadAll(ctx, "b")
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if got != nil {
		t.Fatalf("worksheet b should be empty, got %v", got)
	}
}

func TestDedupLifecycle(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if _, ok, err := st.GetDedup(ctx, "missing"); err != nil || ok {
		t.Fatalf("GetDedup(missing) = ok=%v err=%v", ok, err)
	}

	if err := st.PutDedup(ctx, "k1", now.Add(time.Hour)); err != nil {
		t.Fatalf("PutDedup: %v", err)
	}
	until, ok, err := st.GetDedup(ctx, "k1")
	if err != nil || !ok {
		t.Fatalf("GetDedup(k1) = ok=%v err=%v", ok, err)
	}
	// Millisecond storage granularity.
	if d := until.Sub(now.Add(time.Hour)); d < -time.Millisecond || d > time.Millisecond {
		t.Fatalf("until drifted by %v", d)
	}

	if err := st.PutDedup(ctx, "k2", now.Add(-time.Minute)); err != nil {
		t.Fatalf("PutDedup: %v", err)
	}
	pruned, err := st.PruneDedup(ctx, now)
	if err != nil {
		t.Fatalf("PruneDedup: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("expected 1 pruned entry, got %d", pruned)
	}
	if _, ok, _ := st.GetDedup(ctx, "k1"); !ok {
		t.Fatal("live entry must survive pruning")
	}
}

func TestPutDedupUpsertsKey(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if err := st.PutDedup(ctx, "k", now.Add(time.Minute)); err != nil {
		t.Fatalf("PutDedup: %v", err)
	}
	if err := st.PutDedup(ctx, "k", now.Add(2*time.Hour)); err != nil {
		t.Fatalf("PutDedup: %v", err)
	}
	until, ok, err := st.GetDedup(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("GetDedup = ok=%v err=%v", ok, err)
	}
	if until.Before(now.Add(time.Hour)) {
		t.Fatalf("expected the later deadline to win, got %v", until)
	}
}
