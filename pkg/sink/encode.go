// Package sink delivers record batches to the downstream validator service
// under its open/push/commit protocol, one session per (stream, bucket).
package sink

import (
	"encoding/hex"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/dataculpa/mongo-connector/pkg/errors"
	"github.com/dataculpa/mongo-connector/pkg/models"
)

// encodeRecord serializes a record to JSON with the scalar canonicalization
// the validator requires: opaque identifiers become their canonical string
// form and arbitrary-precision decimals a plain decimal string with no
// exponent and no trailing zeros. Everything else passes through unchanged.
func encodeRecord(rec models.Record) ([]byte, error) {
	out := make(map[string]interface{}, len(rec))
	for k, v := range rec {
		cv, err := canonicalize(v)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to serialize record").
				WithDetail("field", k)
		}
		out[k] = cv
	}
	return json.Marshal(out)
}

func canonicalize(v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case primitive.ObjectID:
		return t.Hex(), nil
	case primitive.Binary:
		return hex.EncodeToString(t.Data), nil
	case primitive.Decimal128:
		return canonicalDecimal(t.String())
	case primitive.DateTime:
		return t.Time().UTC().Format(time.RFC3339Nano), nil
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano), nil
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, nested := range t {
			cv, err := canonicalize(nested)
			if err != nil {
				return nil, err
			}
			out[k] = cv
		}
		return out, nil
	case primitive.M:
		return canonicalize(map[string]interface{}(t))
	case primitive.A:
		return canonicalize([]interface{}(t))
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, nested := range t {
			cv, err := canonicalize(nested)
			if err != nil {
				return nil, err
			}
			out[i] = cv
		}
		return out, nil
	default:
		return v, nil
	}
}

// canonicalDecimal renders a decimal in non-exponential form with trailing
// zeros stripped, so 1.2300E+3 and 1230 serialize identically.
func canonicalDecimal(s string) (string, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeData, "unparseable decimal value")
	}
	out := d.String()
	if strings.Contains(out, ".") {
		out = strings.TrimRight(strings.TrimRight(out, "0"), ".")
	}
	return out, nil
}
