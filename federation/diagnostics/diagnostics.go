// Package diagnostics is the shared error/warning vocabulary used across
// composition, binding, planning and execution, so every component attaches
// the same extension codes instead of inventing its own ad hoc error shape.
package diagnostics

import "fmt"

// Kind classifies a Diagnostic by the stage of the pipeline it was raised in.
type Kind string

const (
	KindComposition Kind = "COMPOSITION"
	KindBinding     Kind = "OPERATION_VALIDATION"
	KindPlanning    Kind = "PLANNING"
	KindExecution   Kind = "EXECUTION"
	KindSubgraph    Kind = "SUBGRAPH"
)

// Code is a stable, client-visible extension code.
type Code string

const (
	CodeInaccessibleField    Code = "INACCESSIBLE_FIELD"
	CodeGraphQLValidation    Code = "GRAPHQL_VALIDATION_FAILED"
	CodeVariableCoercion     Code = "VARIABLE_COERCION_FAILURE"
	CodePersistedNotFound    Code = "PERSISTED_QUERY_NOT_FOUND"
	CodeTrustedDocNotAllowed Code = "TRUSTED_DOCUMENT_NOT_ALLOWED"
	CodeUnauthenticated      Code = "UNAUTHENTICATED"
	CodeForbidden            Code = "FORBIDDEN"
	CodeSubgraphUnreachable  Code = "SUBGRAPH_COMMUNICATION_FAILURE"
	CodeSubgraphInvalidShape Code = "SUBGRAPH_INVALID_RESPONSE_ERROR"
	CodePlanningFailed       Code = "PLANNING_FAILED"
	CodeInternal             Code = "INTERNAL_SERVER_ERROR"
)

// Diagnostic is a single client-visible GraphQL error, carrying enough
// structure to be placed directly in a response's "errors" array.
type Diagnostic struct {
	Kind       Kind                   `json:"-"`
	Message    string                 `json:"message"`
	Path       []interface{}          `json:"path,omitempty"`
	Extensions map[string]interface{} `json:"extensions,omitempty"`
}

// Error implements the error interface so a Diagnostic can be returned and
// wrapped like any other Go error internally.
func (d *Diagnostic) Error() string {
	return d.Message
}

// New builds a Diagnostic with the given kind/code and a formatted message.
func New(kind Kind, code Code, format string, args ...any) *Diagnostic {
	return &Diagnostic{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		Extensions: map[string]interface{}{
			"code": string(code),
		},
	}
}

// WithPath returns a copy of d with Path set, used once the diagnostic's
// position in the response tree is known.
func (d *Diagnostic) WithPath(path []interface{}) *Diagnostic {
	cp := *d
	cp.Path = path
	return &cp
}

// WithExtension returns a copy of d with an extra extension key set.
func (d *Diagnostic) WithExtension(key string, value any) *Diagnostic {
	cp := *d
	cp.Extensions = make(map[string]interface{}, len(d.Extensions)+1)
	for k, v := range d.Extensions {
		cp.Extensions[k] = v
	}
	cp.Extensions[key] = value
	return &cp
}

// List is an ordered collection of Diagnostics, safe for accumulation across
// a single request's lifetime by a single goroutine (callers needing
// concurrent accumulation guard it with their own mutex, as the executor's
// ExecutionContext already does).
type List []*Diagnostic

// Add appends one or more diagnostics.
func (l *List) Add(d ...*Diagnostic) {
	*l = append(*l, d...)
}

// HasErrors reports whether any diagnostic was accumulated.
func (l List) HasErrors() bool {
	return len(l) > 0
}
