// Package watermark persists per-stream checkpoints: the highest value of a
// designated field observed during the last successful scan of a stream.
// Values are a small tagged union so the store never needs runtime type
// inspection to reconstruct comparison semantics, and the on-disk encoding
// is explicit and versioned.
package watermark

import (
	"bytes"
	"encoding/binary"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/dataculpa/mongo-connector/pkg/errors"
)

// Kind tags the runtime representation of a watermark value.
type Kind uint8

const (
	// KindObjectID is a monotonically increasing ordinal identifier that
	// embeds a creation timestamp (a MongoDB ObjectID).
	KindObjectID Kind = 1
	// KindTimestamp is a native timestamp.
	KindTimestamp Kind = 2
	// KindText is an opaque string. Stored for completeness; the extractor
	// refuses to derive buckets from it.
	KindText Kind = 3
)

// codecVersion is bumped whenever the encoded layout changes. Decode
// rejects versions it does not understand instead of guessing.
const codecVersion = 1

func (k Kind) String() string {
	switch k {
	case KindObjectID:
		return "object_id"
	case KindTimestamp:
		return "timestamp"
	case KindText:
		return "text"
	}
	return "unknown"
}

// Value is the tagged union {ObjectID, Timestamp, Text}. The zero Value is
// invalid; construct one with ObjectIDValue, TimestampValue or TextValue.
type Value struct {
	kind Kind
	oid  primitive.ObjectID
	ts   time.Time
	text string
}

// ObjectIDValue wraps an ObjectID watermark.
func ObjectIDValue(id primitive.ObjectID) Value {
	return Value{kind: KindObjectID, oid: id}
}

// TimestampValue wraps a timestamp watermark. The instant is stored in UTC
// at millisecond precision, matching the source's native resolution.
func TimestampValue(t time.Time) Value {
	return Value{kind: KindTimestamp, ts: t.UTC().Truncate(time.Millisecond)}
}

// TextValue wraps a string watermark.
func TextValue(s string) Value {
	return Value{kind: KindText, text: s}
}

// Kind returns the value's type tag.
func (v Value) Kind() Kind { return v.kind }

// IsZero reports whether the value was never set.
func (v Value) IsZero() bool { return v.kind == 0 }

// ObjectID returns the ordinal identifier arm. Valid only for KindObjectID.
func (v Value) ObjectID() primitive.ObjectID { return v.oid }

// Time returns the timestamp arm. Valid only for KindTimestamp.
func (v Value) Time() time.Time { return v.ts }

// Text returns the string arm. Valid only for KindText.
func (v Value) Text() string { return v.text }

// String returns a human-readable rendering for logs and status lines.
func (v Value) String() string {
	switch v.kind {
	case KindObjectID:
		return v.oid.Hex()
	case KindTimestamp:
		return v.ts.Format(time.RFC3339Nano)
	case KindText:
		return v.text
	}
	return "<unset>"
}

// BSON returns the native driver representation for building a strictly
// greater-than source filter.
func (v Value) BSON() interface{} {
	switch v.kind {
	case KindObjectID:
		return v.oid
	case KindTimestamp:
		return primitive.NewDateTimeFromTime(v.ts)
	default:
		return v.text
	}
}

// Compare returns -1, 0 or 1. Comparing values of different kinds is a
// programming error and reported as such so a mis-typed stream surfaces
// instead of silently reordering.
func (v Value) Compare(other Value) (int, error) {
	if v.kind != other.kind {
		return 0, errors.Newf(errors.ErrorTypeData,
			"cannot compare watermark kinds %s and %s", v.kind, other.kind)
	}
	switch v.kind {
	case KindObjectID:
		return bytes.Compare(v.oid[:], other.oid[:]), nil
	case KindTimestamp:
		switch {
		case v.ts.Before(other.ts):
			return -1, nil
		case v.ts.After(other.ts):
			return 1, nil
		}
		return 0, nil
	case KindText:
		switch {
		case v.text < other.text:
			return -1, nil
		case v.text > other.text:
			return 1, nil
		}
		return 0, nil
	}
	return 0, errors.New(errors.ErrorTypeInternal, "compare on unset watermark value")
}

// Encode serializes the value as [version][kind][payload]. ObjectIDs are
// their 12 raw bytes, timestamps a big-endian Unix-millisecond int64, text
// the raw UTF-8 bytes.
func (v Value) Encode() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(codecVersion)
	buf.WriteByte(byte(v.kind))

	switch v.kind {
	case KindObjectID:
		buf.Write(v.oid[:])
	case KindTimestamp:
		var ms [8]byte
		binary.BigEndian.PutUint64(ms[:], uint64(v.ts.UnixMilli()))
		buf.Write(ms[:])
	case KindText:
		buf.WriteString(v.text)
	default:
		return nil, errors.New(errors.ErrorTypeInternal, "encode on unset watermark value")
	}

	return buf.Bytes(), nil
}

// Decode reconstructs a Value from its encoded form, rejecting unknown
// versions and tags.
func Decode(b []byte) (Value, error) {
	if len(b) < 2 {
		return Value{}, errors.New(errors.ErrorTypeData, "watermark value too short to decode")
	}
	if b[0] != codecVersion {
		return Value{}, errors.Newf(errors.ErrorTypeData,
			"unsupported watermark codec version %d", b[0])
	}

	payload := b[2:]
	switch Kind(b[1]) {
	case KindObjectID:
		if len(payload) != 12 {
			return Value{}, errors.Newf(errors.ErrorTypeData,
				"object id watermark has %d payload bytes, want 12", len(payload))
		}
		var oid primitive.ObjectID
		copy(oid[:], payload)
		return ObjectIDValue(oid), nil
	case KindTimestamp:
		if len(payload) != 8 {
			return Value{}, errors.Newf(errors.ErrorTypeData,
				"timestamp watermark has %d payload bytes, want 8", len(payload))
		}
		ms := int64(binary.BigEndian.Uint64(payload))
		return TimestampValue(time.UnixMilli(ms).UTC()), nil
	case KindText:
		return TextValue(string(payload)), nil
	}

	return Value{}, errors.Newf(errors.ErrorTypeData,
		"unknown watermark kind tag %d", b[1])
}
