package model

import "time"

// ValidationResult is the outcome of one validation level.
type ValidationResult string

const (
	ValidationPass ValidationResult = "pass"
	ValidationFail ValidationResult = "fail"
)

// Diagnostic is one structured finding reported by the validation collaborator.
// Diagnostics without a Code are free text and cannot be classified.
type Diagnostic struct {
	Code    string `json:"code,omitempty" yaml:"code,omitempty"`
	Message string `json:"message" yaml:"message"`
	Path    string `json:"path,omitempty" yaml:"path,omitempty"`
}

// ValidationRun records a single execution of a validation level.
type ValidationRun struct {
	ID          string           `json:"id" yaml:"id"`
	Level       string           `json:"level" yaml:"level"`
	Optional    bool             `json:"optional,omitempty" yaml:"optional,omitempty"`
	StartedAt   time.Time        `json:"started_at" yaml:"started_at"`
	Duration    time.Duration    `json:"duration" yaml:"duration"`
	Result      ValidationResult `json:"result" yaml:"result"`
	Diagnostics []Diagnostic     `json:"diagnostics,omitempty" yaml:"diagnostics,omitempty"`
}

// Passed reports whether the run passed.
func (r ValidationRun) Passed() bool {
	return r.Result == ValidationPass
}

// DiagnosticPaths returns the distinct non-empty paths named by the run's diagnostics.
func (r ValidationRun) DiagnosticPaths() []string {
	seen := make(PathSet)
	var out []string
	for _, d := range r.Diagnostics {
		if d.Path == "" || seen.Has(d.Path) {
			continue
		}
		seen[d.Path] = struct{}{}
		out = append(out, d.Path)
	}
	return out
}

// ErrorClass is the closed set of failure classes the healing engine recognizes.
type ErrorClass string

const (
	ClassMissingReference       ErrorClass = "missing-reference"
	ClassDuplicateDeclaration   ErrorClass = "duplicate-declaration"
	ClassTypeConflict           ErrorClass = "type-conflict"
	ClassEnvironmentUnavailable ErrorClass = "environment-unavailable"
	ClassUnclassified           ErrorClass = "unclassified"
)

// Fixable reports whether local remediation can address the class.
func (c ErrorClass) Fixable() bool {
	switch c {
	case ClassMissingReference, ClassDuplicateDeclaration, ClassTypeConflict:
		return true
	default:
		return false
	}
}

// AttemptOutcome is the result of one healing attempt.
type AttemptOutcome string

const (
	AttemptResolved   AttemptOutcome = "resolved"
	AttemptUnresolved AttemptOutcome = "unresolved"
)

// HealingAttempt records one remediation and re-validation.
type HealingAttempt struct {
	RunID         string         `json:"run_id" yaml:"run_id"`
	AttemptNumber int            `json:"attempt_number" yaml:"attempt_number"`
	ErrorClass    ErrorClass     `json:"error_class" yaml:"error_class"`
	Remediation   string         `json:"remediation" yaml:"remediation"`
	Outcome       AttemptOutcome `json:"outcome" yaml:"outcome"`
	Error         string         `json:"error,omitempty" yaml:"error,omitempty"`
	At            time.Time      `json:"at" yaml:"at"`
}
