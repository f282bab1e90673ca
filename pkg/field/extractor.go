// Package field classifies the watermark field of a source record into one
// of the supported comparable representations and derives the calendar-day
// bucket the record belongs to. Classification is a pure function with one
// arm per representation and an explicit unsupported arm; there is no
// best-effort parsing.
package field

import (
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/dataculpa/mongo-connector/pkg/errors"
	"github.com/dataculpa/mongo-connector/pkg/models"
	"github.com/dataculpa/mongo-connector/pkg/watermark"
)

// BucketKey identifies a UTC calendar day. Records whose watermark field
// falls on the same day share a bucket; comparison ignores time-of-day so
// boundary detection cannot drift with the local timezone between runs.
type BucketKey struct {
	Year  int
	Month time.Month
	Day   int
}

// BucketKeyFor derives the key from an instant, in UTC.
func BucketKeyFor(t time.Time) BucketKey {
	y, m, d := t.UTC().Date()
	return BucketKey{Year: y, Month: m, Day: d}
}

// Time returns UTC midnight of the bucket's day.
func (k BucketKey) Time() time.Time {
	return time.Date(k.Year, k.Month, k.Day, 0, 0, 0, 0, time.UTC)
}

// IsZero reports whether the key is unset.
func (k BucketKey) IsZero() bool {
	return k.Year == 0 && k.Month == 0 && k.Day == 0
}

func (k BucketKey) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", k.Year, int(k.Month), k.Day)
}

// Extract interprets the named field of a record, returning its comparable
// watermark value and the calendar bucket it maps to.
//
// ObjectIDs bucket by their embedded creation timestamp; timestamps bucket
// by their own instant. A string value is a hard failure: it cannot be
// bucketed by date without a parse, so the owning stream's run must abort
// rather than silently mis-bucket.
func Extract(rec models.Record, fieldName string) (watermark.Value, BucketKey, error) {
	raw, ok := rec.Field(fieldName)
	if !ok || raw == nil {
		return watermark.Value{}, BucketKey{}, errors.Newf(errors.ErrorTypeData,
			"record is missing watermark field %q", fieldName)
	}

	switch v := raw.(type) {
	case primitive.ObjectID:
		return watermark.ObjectIDValue(v), BucketKeyFor(v.Timestamp()), nil
	case primitive.DateTime:
		t := v.Time().UTC()
		return watermark.TimestampValue(t), BucketKeyFor(t), nil
	case time.Time:
		t := v.UTC()
		return watermark.TimestampValue(t), BucketKeyFor(t), nil
	case string:
		return watermark.Value{}, BucketKey{}, errors.Newf(errors.ErrorTypeUnsupportedFieldType,
			"watermark field %q is a string; refusing to guess its ordering or date", fieldName).
			WithDetail("value", v)
	default:
		return watermark.Value{}, BucketKey{}, errors.Newf(errors.ErrorTypeUnsupportedFieldType,
			"watermark field %q has unsupported type %T", fieldName, raw)
	}
}
