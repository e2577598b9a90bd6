package policy

import (
	"time"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is logged but never blocks an envelope.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the envelope.
	SeverityError Severity = "error"

	// SeverityCritical blocks the envelope.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether violations of this severity reject an envelope.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is a Rego module whose deny set is evaluated for every inbound
// envelope.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Builtin marks policies shipped with the agent. They survive reloads.
	Builtin bool `json:"-"`

	// Source is the file the policy was loaded from.
	Source string `json:"-"`
}

// Violation is one element of a policy's deny set.
type Violation struct {
	Policy   string   `json:"policy"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
	Module   string   `json:"module,omitempty"`
	Event    string   `json:"event,omitempty"`
}

// Result is the outcome of evaluating every enabled policy.
type Result struct {
	// Allowed is false when any violation is blocking.
	Allowed bool `json:"allowed"`

	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists policies that failed to evaluate.
	Warnings []string `json:"warnings,omitempty"`

	EvaluatedPolicies []string      `json:"evaluated_policies"`
	EvaluatedAt       time.Time     `json:"evaluated_at"`
	Duration          time.Duration `json:"duration"`
}

// Blocking returns the violations that reject the envelope.
func (r *Result) Blocking() []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if v.Severity.Blocking() {
			out = append(out, v)
		}
	}
	return out
}

// Input is the document policies see as input.
type Input struct {
	Envelope EnvelopeInput `json:"envelope"`
	Context  *Context      `json:"context"`
}

// EnvelopeInput mirrors the wire form of an envelope.
type EnvelopeInput struct {
	Module  string                 `json:"module"`
	Version string                 `json:"version"`
	Event   string                 `json:"event"`
	Error   *string                `json:"error"`
	Data    map[string]interface{} `json:"data"`
}

// Context describes the agent evaluating the envelope.
type Context struct {
	// Stage is the pipeline stage the policy runs on.
	Stage string `json:"stage"`

	Hostname string `json:"hostname,omitempty"`

	// Units are the names of the loaded units.
	Units []string `json:"units"`

	// BlockedModules are module names rejected by configuration.
	BlockedModules []string `json:"blocked_modules"`

	Timestamp time.Time `json:"timestamp"`
}
