// Package event defines the wire-level change record exchanged between
// agents and fusion. Events are immutable once constructed; every field is
// by-value on receipt so no event is shared across pipes.
package event

// Type classifies what happened to the affected rows.
type Type string

const (
	TypeInsert Type = "INSERT"
	TypeUpdate Type = "UPDATE"
	TypeDelete Type = "DELETE"
)

// Source is the tier an event was produced on. REALTIME is the stream of
// truth; SNAPSHOT is the cold bulk load; AUDIT is the periodic full rescan.
type Source string

const (
	SourceRealtime Source = "REALTIME"
	SourceSnapshot Source = "SNAPSHOT"
	SourceAudit    Source = "AUDIT"
)

// Row is one affected entity. For the fs schema the keys defined below are
// the contract; sources with other schemas carry their own keys.
type Row map[string]interface{}

// Well-known fs row keys.
const (
	FieldPath          = "path"
	FieldFileName      = "file_name"
	FieldModifiedTime  = "modified_time"
	FieldCreatedTime   = "created_time"
	FieldSize          = "size"
	FieldIsDirectory   = "is_directory"
	FieldParentPath    = "parent_path"
	FieldParentMtime   = "parent_mtime"
	FieldIsAtomicWrite = "is_atomic_write"
)

// Event is the wire record. Index is the monotonic position in the
// producer's stream, in milliseconds of the producer's logical clock.
type Event struct {
	Type     Type              `json:"event_type"`
	Schema   string            `json:"event_schema"`
	Table    string            `json:"table"`
	Fields   []string          `json:"fields"`
	Rows     []Row             `json:"rows"`
	Source   Source            `json:"message_source"`
	Index    int64             `json:"index"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Metadata keys carried end to end.
const (
	MetaPipeID   = "pipe_id"
	MetaScanPath = "scan_path"
	MetaJobID    = "job_id"
	MetaPhase    = "phase"
	MetaTaskID   = "task_id"
)

// Path returns the row's path, or "" when absent or mistyped.
func (r Row) Path() string {
	s, _ := r[FieldPath].(string)
	return s
}

// ModifiedTime returns the row's mtime in fractional seconds. JSON decoding
// produces float64; producers in-process may store int64 or float64.
func (r Row) ModifiedTime() float64 {
	switch v := r[FieldModifiedTime].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case int:
		return float64(v)
	}
	return 0
}

// Size returns the row's size in bytes, 0 when absent.
func (r Row) Size() int64 {
	switch v := r[FieldSize].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	}
	return 0
}

// IsDirectory reports whether the row describes a directory.
func (r Row) IsDirectory() bool {
	b, _ := r[FieldIsDirectory].(bool)
	return b
}

// ParentPath returns the explicit parent path if the producer set one.
func (r Row) ParentPath() (string, bool) {
	s, ok := r[FieldParentPath].(string)
	return s, ok && s != ""
}

// ParentMtime returns the parent directory's mtime as observed by the
// producer at scan time. ok is false when the producer did not record it.
func (r Row) ParentMtime() (float64, bool) {
	switch v := r[FieldParentMtime].(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	}
	return 0, false
}

// IsAtomicWrite reports whether the row came from a completed write
// (CLOSE_WRITE, rename). A partial MODIFY reports false. Absent defaults to
// true so non-fs sources are never held suspect.
func (r Row) IsAtomicWrite() bool {
	if v, ok := r[FieldIsAtomicWrite].(bool); ok {
		return v
	}
	return true
}
