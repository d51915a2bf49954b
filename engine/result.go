package engine

import (
	"strings"

	"github.com/isdmx/codepad/workspace"
)

// Job is one compile-and-run request bound to its workspace
type Job struct {
	ID        string
	Source    string
	Workspace *workspace.Workspace
}

// Result is the outcome handed back to callers. Exactly one of Success and
// a non-nil Error holds.
type Result struct {
	JobID     string      `json:"-"`
	Success   bool        `json:"success"`
	Output    string      `json:"output"`
	Error     *string     `json:"error"`
	Kind      FailureKind `json:"-"`
	Simulated bool        `json:"-"`
}

func succeeded(jobID, output string) Result {
	return Result{JobID: jobID, Success: true, Output: output}
}

func failed(jobID string, kind FailureKind, output, message string) Result {
	if message == "" {
		message = kind.String()
	}
	return Result{JobID: jobID, Success: false, Output: output, Error: &message, Kind: kind}
}

// ErrorMessage returns the error text, or "" on success
func (r Result) ErrorMessage() string {
	if r.Error == nil {
		return ""
	}
	return *r.Error
}

// joinOutput joins the non-empty trimmed segments with newlines and ends the
// result with one newline; no segments gives "".
func joinOutput(segments ...string) string {
	parts := make([]string, 0, len(segments))
	for _, segment := range segments {
		if trimmed := strings.TrimSpace(segment); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	if len(parts) == 0 {
		return ""
	}
	return strings.Join(parts, "\n") + "\n"
}
