// Package instrument - Structural errors raised while rewriting assembly.
//
// Every violation aborts the whole pass. The error names the input position
// and, where there is one, a hint for fixing the build:
//
//	pretzel.s:41: instruction uses %r15, which is reserved for tracing
//
//	Suggestion: Compile with -ffixed-r15 so the compiler leaves %r15 alone
package instrument

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies an InstrumentationError.
type Kind int

const (
	// MisplacedDirective: the first non-blank line is not a file directive.
	MisplacedDirective Kind = iota + 1
	// ForeignAnnotation: an annotation names a file other than the current one.
	ForeignAnnotation
	// OversizedToken: a line, path, annotation or the pending buffer exceeds
	// its limit.
	OversizedToken
	// ReservedRegister: an uninstrumented line references the register
	// reserved for the record stub.
	ReservedRegister
	// TrailingAnnotations: input ended with annotations still pending.
	TrailingAnnotations
	// BadPlaceholder: the stub template names an unknown placeholder.
	BadPlaceholder
	// UnterminatedPlaceholder: a stub placeholder is not closed on its line.
	UnterminatedPlaceholder
	// SiteOverflow: the site identifier space is exhausted.
	SiteOverflow
)

var kindNames = map[Kind]string{
	MisplacedDirective:      "misplaced directive",
	ForeignAnnotation:       "foreign annotation",
	OversizedToken:          "oversized token",
	ReservedRegister:        "reserved register",
	TrailingAnnotations:     "trailing annotations",
	BadPlaceholder:          "bad placeholder",
	UnterminatedPlaceholder: "unterminated placeholder",
	SiteOverflow:            "site overflow",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// InstrumentationError is a fatal structural violation with its position.
//
// Fields:
//   - Kind: Which rule was violated
//   - File: Input (or stub template) path
//   - Line: Line number (1-indexed), 0 when the error is not tied to a line
//   - Message: Human-readable description
//   - Suggestion: Optional hint for fixing the error
//
// Thread Safety: Immutable after creation, safe for concurrent use.
type InstrumentationError struct {
	Kind       Kind
	File       string
	Line       int
	Message    string
	Suggestion string
}

// Error implements the error interface.
//
// Format: file:line: message, or file: message when Line is 0. A non-empty
// Suggestion is appended after a blank line.
func (e *InstrumentationError) Error() string {
	var result string
	if e.Line > 0 {
		result = fmt.Sprintf("%s:%d: %s", e.File, e.Line, e.Message)
	} else {
		result = fmt.Sprintf("%s: %s", e.File, e.Message)
	}
	if e.Suggestion != "" {
		result += fmt.Sprintf("\n\nSuggestion: %s", e.Suggestion)
	}
	return result
}

// Is makes errors.Is match any InstrumentationError of the same Kind, so
// callers can test with a zero-position template:
//
//	errors.Is(err, &InstrumentationError{Kind: ReservedRegister})
func (e *InstrumentationError) Is(target error) bool {
	t, ok := target.(*InstrumentationError)
	return ok && t.Kind == e.Kind
}

// KindOf returns the Kind of the first InstrumentationError in err's chain,
// or 0 if there is none.
func KindOf(err error) Kind {
	var ie *InstrumentationError
	if errors.As(err, &ie) {
		return ie.Kind
	}
	return 0
}

func newError(kind Kind, file string, line int, format string, args ...interface{}) *InstrumentationError {
	return &InstrumentationError{
		Kind:    kind,
		File:    file,
		Line:    line,
		Message: fmt.Sprintf(format, args...),
	}
}

// withSuggestion sets the hint and returns e for chaining.
func (e *InstrumentationError) withSuggestion(s string) *InstrumentationError {
	e.Suggestion = s
	return e
}
