package sheets

import (
	"context"
	"time"
)

// Op names a backing-store operation. Op values are part of cache
// fingerprints, so they must stay stable across releases.
type Op string

const (
	OpReadAll    Op = "read_all"
	OpReadRange  Op = "read_range"
	OpWriteRange Op = "write_range"
	OpAppend     Op = "append"
	OpBatchWrite Op = "batch_write"
)

// IsRead reports whether the operation only reads the store.
func (o Op) IsRead() bool { return o == OpReadAll || o == OpReadRange }

// Update addresses one contiguous run of cells in a single row.
// Row is 1-based (row 1 is the header); StartCol is 1-based (A = 1).
type Update struct {
	Row      int
	StartCol int
	Values   []string
}

// Request is the uniform argument bundle for Client operations when they
// are routed through the gateway. Fields irrelevant to an Op are ignored.
type Request struct {
	Op        Op
	Worksheet string

	// Read/write range (row-oriented).
	StartRow int
	RowCount int
	StartCol int

	Rows    [][]string // WriteRange / Append payload
	Updates []Update   // BatchWrite payload
}

// Result carries the rows returned by a read operation.
// Write operations return a zero Result.
type Result struct {
	Rows [][]string
}

// Client is the raw backing-store client. Implementations must return
// *Error values with an accurate Kind so callers can classify failures
// without inspecting message text.
//
// Every method honours ctx cancellation and carries its own request
// timeout where the underlying transport has one.
type Client interface {
	ReadAll(ctx context.Context, worksheet string) ([][]string, error)
	ReadRange(ctx context.Context, worksheet string, startRow, rowCount int) ([][]string, error)
	WriteRange(ctx context.Context, worksheet string, startRow, startCol int, rows [][]string) error
	Append(ctx context.Context, worksheet string, rows [][]string) error
	BatchWrite(ctx context.Context, worksheet string, updates []Update) error
	Close() error
}

// DedupStore persists "already sent" markers. The broadcast outbox uses an
// in-memory implementation by default; the SQLite store provides a durable
// one so restart-surviving dedup can be substituted without changing callers.
type DedupStore interface {
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (time.Time, bool, error)
	PruneDedup(ctx context.Context, now time.Time) (int, error)
}
