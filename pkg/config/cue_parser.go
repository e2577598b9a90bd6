package config

import (
	"encoding/json"
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
)

// CUEParser evaluates CUE configuration into a Config.
type CUEParser struct {
	ctx *cue.Context
}

// NewCUEParser creates a new CUE parser.
func NewCUEParser() *CUEParser {
	return &CUEParser{
		ctx: cuecontext.New(),
	}
}

// Parse evaluates content and decodes the concrete result into cfg. Fields
// absent from the CUE value keep their current value in cfg.
func (cp *CUEParser) Parse(filename string, content []byte, cfg *Config) error {
	val := cp.ctx.CompileBytes(content, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return &LoadError{Errors: cp.convertCUEErrors(err)}
	}

	if err := val.Validate(cue.Concrete(true)); err != nil {
		return &LoadError{Errors: cp.convertCUEErrors(err)}
	}

	data, err := val.MarshalJSON()
	if err != nil {
		return fmt.Errorf("failed to export %s: %w", filename, err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to decode %s: %w", filename, err)
	}
	return nil
}

// convertCUEErrors converts CUE errors to ValidationError slice.
func (cp *CUEParser) convertCUEErrors(err error) []ValidationError {
	var validationErrors []ValidationError

	for _, e := range errors.Errors(err) {
		pos := errors.Positions(e)
		var file string
		var line, column int

		if len(pos) > 0 {
			file = pos[0].Filename()
			line = pos[0].Line()
			column = pos[0].Column()
		}

		validationErrors = append(validationErrors, ValidationError{
			File:    file,
			Line:    line,
			Column:  column,
			Message: errors.Details(e, nil),
		})
	}

	return validationErrors
}
