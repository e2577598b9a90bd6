package transaction

import (
	"context"
	"fmt"
)

// Kind identifies the host operation a Step performs.
type Kind string

const (
	// KindWriteFile writes content to a path, creating parent directories.
	KindWriteFile Kind = "write_file"
	// KindCreateLink creates a symbolic link.
	KindCreateLink Kind = "create_link"
	// KindRemoveLink removes a symbolic link.
	KindRemoveLink Kind = "remove_link"
	// KindRemoveFile removes a file if it exists.
	KindRemoveFile Kind = "remove_file"
	// KindExec runs a shell command.
	KindExec Kind = "exec"
	// KindFunc runs an arbitrary function.
	KindFunc Kind = "func"
)

// Status values used in report lines.
const (
	StatusOK      = "OK"
	StatusError   = "Error"
	StatusSkipped = "Skipped"
)

// Step is one unit of work in a Sequence. Args are bound when the step is
// built; the Executor supplies the Host and the report.
type Step struct {
	Kind Kind
	Args []string
	Func func(ctx context.Context) error
}

// Sequence is an ordered list of steps.
type Sequence []Step

// WriteFile returns a step that writes content to path.
func WriteFile(path, content string) Step {
	return Step{Kind: KindWriteFile, Args: []string{path, content}}
}

// CreateLink returns a step that links target to source.
func CreateLink(source, target string) Step {
	return Step{Kind: KindCreateLink, Args: []string{source, target}}
}

// RemoveLink returns a step that removes the link at target.
func RemoveLink(target string) Step {
	return Step{Kind: KindRemoveLink, Args: []string{target}}
}

// RemoveFile returns a step that removes path. A missing file is not an error.
func RemoveFile(path string) Step {
	return Step{Kind: KindRemoveFile, Args: []string{path}}
}

// Exec returns a step that runs command through the shell.
func Exec(command string) Step {
	return Step{Kind: KindExec, Args: []string{command}}
}

// Func returns a step that runs fn. Name is used in the report line.
func Func(name string, fn func(ctx context.Context) error) Step {
	return Step{Kind: KindFunc, Args: []string{name}, Func: fn}
}

func (s Step) arg(i int) string {
	if i < len(s.Args) {
		return s.Args[i]
	}
	return ""
}

// Describe returns the report label of the step, without its status.
func (s Step) Describe() string {
	switch s.Kind {
	case KindWriteFile:
		return fmt.Sprintf("Write to %q", s.arg(0))
	case KindCreateLink:
		return fmt.Sprintf("Create link %q", s.arg(0))
	case KindRemoveLink:
		return fmt.Sprintf("Delete link %q", s.arg(0))
	case KindRemoveFile:
		return fmt.Sprintf("Delete %q", s.arg(0))
	case KindExec:
		return fmt.Sprintf("Exec %q", s.arg(0))
	case KindFunc:
		return s.arg(0)
	default:
		return fmt.Sprintf("Unknown step %q", string(s.Kind))
	}
}

// stepResult is what applying a step produced.
type stepResult struct {
	label  string
	status string
	output string
}

// apply performs the step against host.
func (s Step) apply(ctx context.Context, host Host) (stepResult, error) {
	res := stepResult{label: s.Describe(), status: StatusOK}

	var err error
	switch s.Kind {
	case KindWriteFile:
		err = host.WriteFile(ctx, s.arg(0), []byte(s.arg(1)))
	case KindCreateLink:
		err = host.CreateLink(ctx, s.arg(0), s.arg(1))
	case KindRemoveLink:
		err = host.RemoveLink(ctx, s.arg(0))
	case KindRemoveFile:
		var removed bool
		removed, err = host.RemoveFile(ctx, s.arg(0))
		if err == nil && !removed {
			res.status = StatusSkipped
		}
	case KindExec:
		var out ExecResult
		out, err = host.Exec(ctx, s.arg(0))
		if out.DryRun {
			res.label = fmt.Sprintf("Debug: exec %q", s.arg(0))
		}
		res.output = out.Diagnostic()
	case KindFunc:
		if s.Func == nil {
			err = fmt.Errorf("step %q has no function", s.arg(0))
		} else {
			err = s.Func(ctx)
		}
	default:
		err = fmt.Errorf("unknown step kind %q", s.Kind)
	}

	if err != nil {
		res.status = StatusError
	}
	return res, err
}

func (r stepResult) line() string {
	return r.label + " - " + r.status
}
