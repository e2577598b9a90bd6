package transaction

import "strings"

// Report is the ordered list of outcome lines of one sequence run.
type Report []string

// Lines returns the report as a plain string slice, never nil, so that it
// encodes as a JSON array.
func (r Report) Lines() []string {
	if r == nil {
		return []string{}
	}
	return []string(r)
}

// Failed reports whether any line records a failed step.
func (r Report) Failed() bool {
	for _, line := range r {
		if strings.HasSuffix(line, " - "+StatusError) {
			return true
		}
	}
	return false
}

// String joins the report for logging.
func (r Report) String() string {
	return strings.Join(r, "\n\t")
}
