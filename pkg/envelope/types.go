// Package envelope defines the JSON message exchanged between the agent
// and its controller.
package envelope

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
)

// AnyModule addresses an envelope to no particular unit.
const AnyModule = "dummy"

// ErrInvalidEnvelope is returned when a message cannot be decoded into a
// routable Envelope.
var ErrInvalidEnvelope = errors.New("invalid envelope")

var validate = validator.New()

// Envelope is the unit of exchange on the controller socket.
type Envelope struct {
	// Module names the capability unit that should handle the message.
	Module  string                 `json:"module" validate:"required"`
	Version string                 `json:"version"`
	Event   string                 `json:"event" validate:"required"`
	Error   *string                `json:"error"`
	Data    map[string]interface{} `json:"data"`
}

// New builds an Envelope. A nil errText marks success.
func New(module, version, event string, errText *string, data map[string]interface{}) *Envelope {
	return &Envelope{
		Module:  module,
		Version: version,
		Event:   event,
		Error:   errText,
		Data:    data,
	}
}

// Validate checks that the envelope can be routed.
func (e *Envelope) Validate() error {
	if err := validate.Struct(e); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("%w: field %s failed on %q", ErrInvalidEnvelope, verrs[0].Field(), verrs[0].Tag())
		}
		return fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	return nil
}

// ErrorText returns the error text, or an empty string on success.
func (e *Envelope) ErrorText() string {
	if e.Error == nil {
		return ""
	}
	return *e.Error
}

// Failed reports whether the envelope carries an error.
func (e *Envelope) Failed() bool {
	return e.Error != nil
}

// Set stores a value in the data payload, creating it when absent.
func (e *Envelope) Set(key string, value interface{}) {
	if e.Data == nil {
		e.Data = make(map[string]interface{})
	}
	e.Data[key] = value
}

// String returns a short description for logs.
func (e *Envelope) String() string {
	return fmt.Sprintf("%s/%s@%s", e.Module, e.Event, e.Version)
}

// DecodeData decodes the data payload into target, which must be a pointer
// to a struct with mapstructure tags. Numbers and strings are converted
// weakly, matching what JSON decoding produces for untyped payloads.
func (e *Envelope) DecodeData(target interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           target,
		TagName:          "mapstructure",
	})
	if err != nil {
		return fmt.Errorf("failed to create payload decoder: %w", err)
	}
	if err := dec.Decode(e.Data); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", e.Event, err)
	}
	return nil
}

// ErrorString is a helper that returns a pointer to s.
func ErrorString(s string) *string {
	return &s
}
