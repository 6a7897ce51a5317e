// Package codec converts cache values to and from bytes for the persistent tiers,
// and defines the self-describing record stored per key by the cold tiers.
package codec

import (
	"bytes"
	"encoding/json"

	"github.com/tiercache/tiercache/pkg/errors"
	"github.com/tiercache/tiercache/pkg/types"
)

// Codec serializes cache values.
type Codec interface {
	Name() string
	Marshal(v types.Value) ([]byte, error)
	Unmarshal(data []byte) (types.Value, error)
}

// JSON encodes values as JSON. Decoded numbers are float64, objects are
// map[string]any and arrays are []any.
type JSON struct{}

// Default is the codec used when none is configured.
var Default Codec = JSON{}

func (JSON) Name() string { return "json" }

func (JSON) Marshal(v types.Value) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeSerialize, "failed to encode value", err).
			WithComponent("codec").WithOperation("marshal")
	}
	return data, nil
}

func (JSON) Unmarshal(data []byte) (types.Value, error) {
	var v any
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&v); err != nil {
		return nil, errors.Wrap(errors.ErrCodeDeserialize, "failed to decode value", err).
			WithComponent("codec").WithOperation("unmarshal")
	}
	return v, nil
}
