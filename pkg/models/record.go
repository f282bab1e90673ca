// Package models provides the data types shared across the connector.
package models

// Record is a single source document: an opaque mapping of field name to
// value. Only the configured watermark field is ever interpreted; every
// other value passes through to the sink unexamined.
type Record map[string]interface{}

// Field returns the named field value and whether it is present.
func (r Record) Field(name string) (interface{}, bool) {
	v, ok := r[name]
	return v, ok
}

// StreamResult summarizes the outcome of syncing a single stream. It backs
// the human-readable status line printed per stream at the end of a run.
type StreamResult struct {
	Stream       string
	Scanned      int64
	Buckets      int
	QueueIDs     []string
	Advanced     bool
	SinkErrors   int
	Err          error
}
