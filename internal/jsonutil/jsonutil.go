// Package jsonutil encodes database documents as JSON for the tray REST
// surface and the admin dump tooling. Timestamps become ISO-8601 strings
// and object ids become hex strings; anything else unknown is an error
// rather than a silent %v.
package jsonutil

import (
	"encoding/json"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Marshal encodes v using the document encoding rules.
func Marshal(v any) ([]byte, error) {
	plain, err := Sanitize(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(plain)
}

// Sanitize converts a decoded BSON value tree into plain JSON-encodable
// values. It returns an error for types outside the supported set.
func Sanitize(v any) (any, error) {
	switch val := v.(type) {
	case nil, bool, string, int, int32, int64, float32, float64:
		return val, nil
	case time.Time:
		return val.UTC().Format(time.RFC3339), nil
	case primitive.DateTime:
		return val.Time().UTC().Format(time.RFC3339), nil
	case primitive.ObjectID:
		return val.Hex(), nil
	case primitive.Decimal128:
		return val.String(), nil
	case bson.M:
		return sanitizeMap(val)
	case map[string]any:
		return sanitizeMap(val)
	case bson.D:
		m := make(map[string]any, len(val))
		for _, elem := range val {
			out, err := Sanitize(elem.Value)
			if err != nil {
				return nil, err
			}
			m[elem.Key] = out
		}
		return m, nil
	case bson.A:
		return sanitizeSlice(val)
	case []any:
		return sanitizeSlice(val)
	case []string:
		return val, nil
	default:
		return nil, fmt.Errorf("jsonutil: cannot encode value of type %T", v)
	}
}

func sanitizeMap(m map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(m))
	for k, v := range m {
		plain, err := Sanitize(v)
		if err != nil {
			return nil, err
		}
		out[k] = plain
	}
	return out, nil
}

func sanitizeSlice(s []any) ([]any, error) {
	out := make([]any, 0, len(s))
	for _, v := range s {
		plain, err := Sanitize(v)
		if err != nil {
			return nil, err
		}
		out = append(out, plain)
	}
	return out, nil
}
