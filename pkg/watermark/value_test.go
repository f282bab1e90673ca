package watermark

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func TestValueRoundTrip(t *testing.T) {
	oid := primitive.NewObjectID()
	ts := time.Date(2021, 3, 14, 15, 9, 26, 535_000_000, time.UTC)

	cases := []struct {
		name  string
		value Value
	}{
		{"object_id", ObjectIDValue(oid)},
		{"timestamp", TimestampValue(ts)},
		{"text", TextValue("order-10045")},
		{"empty_text", TextValue("")},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			raw, err := tc.value.Encode()
			require.NoError(t, err)

			got, err := Decode(raw)
			require.NoError(t, err)
			assert.Equal(t, tc.value, got)

			cmp, err := got.Compare(tc.value)
			require.NoError(t, err)
			assert.Equal(t, 0, cmp)
		})
	}
}

func TestTimestampValueNormalizesToUTCMillis(t *testing.T) {
	loc := time.FixedZone("PST", -8*3600)
	local := time.Date(2021, 6, 1, 23, 30, 0, 123_456_789, loc)

	v := TimestampValue(local)

	assert.Equal(t, time.UTC, v.Time().Location())
	assert.Equal(t, local.UTC().Truncate(time.Millisecond), v.Time())
}

func TestValueCompare(t *testing.T) {
	early := TimestampValue(time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC))
	late := TimestampValue(time.Date(2021, 1, 2, 0, 0, 0, 0, time.UTC))

	cmp, err := early.Compare(late)
	require.NoError(t, err)
	assert.Equal(t, -1, cmp)

	cmp, err = late.Compare(early)
	require.NoError(t, err)
	assert.Equal(t, 1, cmp)

	a, err := primitive.ObjectIDFromHex("5f0000000000000000000001")
	require.NoError(t, err)
	b, err := primitive.ObjectIDFromHex("5f0000000000000000000002")
	require.NoError(t, err)

	cmp, err = ObjectIDValue(a).Compare(ObjectIDValue(b))
	require.NoError(t, err)
	assert.Equal(t, -1, cmp)

	cmp, err = TextValue("a").Compare(TextValue("b"))
	require.NoError(t, err)
	assert.Equal(t, -1, cmp)
}

func TestValueCompareKindMismatch(t *testing.T) {
	_, err := TextValue("x").Compare(TimestampValue(time.Now()))
	assert.Error(t, err)
}

func TestEncodeUnsetValue(t *testing.T) {
	var v Value
	_, err := v.Encode()
	assert.Error(t, err)
}

func TestDecodeRejectsMalformedInput(t *testing.T) {
	cases := []struct {
		name string
		raw  []byte
	}{
		{"empty", nil},
		{"one_byte", []byte{codecVersion}},
		{"unknown_version", []byte{99, byte(KindText), 'a'}},
		{"unknown_kind", []byte{codecVersion, 42}},
		{"short_object_id", []byte{codecVersion, byte(KindObjectID), 1, 2, 3}},
		{"short_timestamp", []byte{codecVersion, byte(KindTimestamp), 1, 2, 3, 4}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.raw)
			assert.Error(t, err)
		})
	}
}

func TestValueString(t *testing.T) {
	oid, err := primitive.ObjectIDFromHex("5f0000000000000000000001")
	require.NoError(t, err)

	assert.Equal(t, "5f0000000000000000000001", ObjectIDValue(oid).String())
	assert.Equal(t, "hello", TextValue("hello").String())
	assert.Equal(t, "<unset>", Value{}.String())
}
