// Package authz defines the authorization-hook collaborator boundary used
// to enforce @authenticated, @requiresScopes and @policy directives found on
// composed schema fields. The core never decides identity or policy itself;
// it calls out to a Hook supplied by the deployment.
package authz

import "context"

// Site identifies a schema location being authorized: a field access during
// planning, or a concrete response node during shaping.
type Site struct {
	TypeName       string
	FieldName      string
	Authenticated  bool
	RequiresScopes [][]string // OR'd sets of AND'd scopes, mirrors @requiresScopes semantics
	Policies       [][]string // OR'd sets of AND'd policies, mirrors @policy semantics
}

// Decision is the outcome of authorizing a Site.
type Decision int

const (
	// Allow permits the field to be planned/resolved normally.
	Allow Decision = iota
	// Deny causes the field to be treated as an error at that position,
	// participating in null-bubbling like any other field error.
	Deny
	// Skip silently omits the field from the response as if it had not
	// been requested (used for @inaccessible-like authorization failures
	// that should not surface an error to unauthenticated callers).
	Skip
)

// Hook is the authorization collaborator. AuthorizeField is consulted once
// per distinct field site while binding/planning an operation; deployments
// needing row-level (per-response-node) checks call AuthorizeNode per
// resolved entity during shaping.
type Hook interface {
	AuthorizeField(ctx context.Context, site Site) (Decision, error)
	AuthorizeNode(ctx context.Context, site Site, node map[string]interface{}) (Decision, error)
}

// AllowAll is the default Hook wired when no authorization collaborator is
// configured: every site and node is allowed.
type AllowAll struct{}

func (AllowAll) AuthorizeField(context.Context, Site) (Decision, error) {
	return Allow, nil
}

func (AllowAll) AuthorizeNode(context.Context, Site, map[string]interface{}) (Decision, error) {
	return Allow, nil
}

var _ Hook = AllowAll{}
