package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// wireEnvelope mirrors Envelope on the wire. Error is kept raw so that a
// structured error object from the controller can be reduced to text.
type wireEnvelope struct {
	Module  string                 `json:"module"`
	Version string                 `json:"version"`
	Event   string                 `json:"event"`
	Error   json.RawMessage        `json:"error"`
	Data    map[string]interface{} `json:"data"`
}

// Decode parses a raw socket message into a validated Envelope.
func Decode(raw []byte) (*Envelope, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("%w: empty message", ErrInvalidEnvelope)
	}

	var w wireEnvelope
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal message: %v", ErrInvalidEnvelope, err)
	}

	env := &Envelope{
		Module:  w.Module,
		Version: w.Version,
		Event:   w.Event,
		Data:    w.Data,
	}

	errText, err := decodeError(w.Error)
	if err != nil {
		return nil, err
	}
	env.Error = errText

	if err := env.Validate(); err != nil {
		return nil, err
	}

	return env, nil
}

func decodeError(raw json.RawMessage) (*string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return nil, fmt.Errorf("%w: failed to unmarshal error: %v", ErrInvalidEnvelope, err)
		}
		return &s, nil
	case '{':
		var obj struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(trimmed, &obj); err == nil && obj.Message != "" {
			return &obj.Message, nil
		}
	}

	s := string(trimmed)
	return &s, nil
}

// Encode serializes the envelope into its wire form. The error and data
// fields are always present, as null when empty.
func (e *Envelope) Encode() ([]byte, error) {
	w := struct {
		Module  string                 `json:"module"`
		Version string                 `json:"version"`
		Event   string                 `json:"event"`
		Error   *string                `json:"error"`
		Data    map[string]interface{} `json:"data"`
	}{e.Module, e.Version, e.Event, e.Error, e.Data}

	b, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return b, nil
}
