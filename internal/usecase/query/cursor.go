package query

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/kailas-cloud/amcat/internal/domain"
)

// EncodeCursor packs the sort values of the last hit into an opaque token.
func EncodeCursor(sortValues []any) (string, error) {
	data, err := json.Marshal(sortValues)
	if err != nil {
		return "", fmt.Errorf("encode cursor: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// DecodeCursor reverses EncodeCursor. Numbers stay json.Number so large
// longs survive the round trip.
func DecodeCursor(s string) ([]any, error) {
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("malformed cursor: %w", domain.ErrInvalidRequest)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out []any
	if err := dec.Decode(&out); err != nil || len(out) == 0 {
		return nil, fmt.Errorf("malformed cursor: %w", domain.ErrInvalidRequest)
	}
	return out, nil
}
