// Package wire defines the JSON request/response shapes exchanged between
// the sync engine (client) and the sync mediator (server) at POST /api/sync.
//
// Field names here are the wire/camelCase form; internal/casing translates
// between these and each table's client-local column names.
package wire

import "encoding/json"

// Operation is the kind of write an outbox entry or pushed change represents.
type Operation string

const (
	OpInsert Operation = "INSERT"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

// Change is one row mutation, either pushed by the client or returned by the
// mediator on a pull. RowID is the encoding described by spec invariant I2:
// the bare PK value for a single-column key, or JSON({col: value, ...}) for
// a composite key.
type Change struct {
	Table          string          `json:"table"`
	RowID          string          `json:"rowId"`
	Data           json.RawMessage `json:"data,omitempty"`
	Deleted        bool            `json:"deleted"`
	LastModifiedAt string          `json:"lastModifiedAt"`
}

// Overrides narrows a pull for efficiency without weakening the ownership
// filter (spec.md §9 open question). Both fields are hints the mediator is
// free to ignore.
type Overrides struct {
	PullTables []string `json:"pullTables,omitempty"`
	GenreFilter string  `json:"genreFilter,omitempty"`
}

// SyncRequest is the POST /api/sync request body.
type SyncRequest struct {
	Changes        []Change   `json:"changes"`
	LastSyncAt     string     `json:"lastSyncAt,omitempty"`
	SchemaVersion  int        `json:"schemaVersion"`
	PullCursor     string     `json:"pullCursor,omitempty"`
	SyncStartedAt  string     `json:"syncStartedAt,omitempty"`
	PageSize       int        `json:"pageSize,omitempty"`
	Overrides      *Overrides `json:"overrides,omitempty"`
}

// PushOutcome classifies what happened to one pushed change, independent
// of the request as a whole succeeding (spec.md §7): a rejected or
// superseded item never aborts the rest of the batch.
type PushOutcome string

const (
	// PushApplied means the change was written (or the delete/soft-delete
	// took effect).
	PushApplied PushOutcome = "applied"
	// PushConflict means last-write-wins left the change unapplied because
	// a newer lastModifiedAt was already stored; silent per spec.md §7.
	PushConflict PushOutcome = "conflict"
	// PushRejected means the change failed for a reason that will not
	// resolve on retry without client intervention (unauthorized write,
	// unknown table, malformed payload).
	PushRejected PushOutcome = "rejected"
)

// PushResult reports one pushed change's outcome, in the same order as
// the request's Changes, so the engine can update its outbox per item
// instead of treating the whole push as one unit.
type PushResult struct {
	Table   string      `json:"table"`
	RowID   string      `json:"rowId"`
	Outcome PushOutcome `json:"outcome"`
	Error   string      `json:"error,omitempty"`
}

// SyncResponse is the POST /api/sync response body.
type SyncResponse struct {
	Changes       []Change     `json:"changes"`
	SyncedAt      string       `json:"syncedAt"`
	SyncStartedAt string       `json:"syncStartedAt,omitempty"`
	NextCursor    string       `json:"nextCursor,omitempty"`
	PushResults   []PushResult `json:"pushResults,omitempty"`
	Error         string       `json:"error,omitempty"`
	Debug         []string     `json:"debug,omitempty"`
}
