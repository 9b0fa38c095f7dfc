package graph

import (
	"fmt"
	"strings"

	"github.com/n9te9/graphql-parser/ast"
	"github.com/n9te9/graphql-parser/lexer"
	"github.com/n9te9/graphql-parser/parser"
)

// EntityKey represents the @key directive information of an Entity.
type EntityKey struct {
	FieldSet   string // Field set specified in @key (e.g., "id")
	Resolvable bool   // Resolvable parameter of @key directive
}

// Override records the @override(from:) directive on a field.
type Override struct {
	From string // subgraph name the field is being migrated away from
	Label string // optional progressive-override label (unresolved predicate, see spec open question)
}

// DeprecatedInfo records the @deprecated directive on a field.
type DeprecatedInfo struct {
	Reason string
}

// Field represents field information of an Entity.
type Field struct {
	Name            string     // Field name
	Type            ast.Type   // Field type
	Requires        []string   // Fields specified in @requires directive
	Provides        []string   // Fields specified in @provides directive
	Tags            []string   // Fields specified in @tag(name:) directives
	RequiresScopes  [][]string // @requiresScopes(scopes:) — list of OR'd scope sets
	Policies        [][]string // @policy(policies:) — list of OR'd policy sets
	isShareable     bool       // Whether @shareable directive is present
	isExternal      bool       // Whether @external directive is present
	isInaccessible  bool       // Whether @inaccessible directive is present
	isAuthenticated bool       // Whether @authenticated directive is present
	override        *Override  // non-nil when @override(from:) is present
	deprecated      *DeprecatedInfo
}

// Entity represents an ObjectType with @key directive.
type Entity struct {
	Keys              []EntityKey       // Key information of the Entity
	isExtension       bool              // Whether defined as an extension
	Fields            map[string]*Field // Field map with field name as key
	isInterfaceObject bool              // Whether @interfaceObject is present on the type
}

// IsInterfaceObject returns whether the entity is declared with @interfaceObject.
func (e *Entity) IsInterfaceObject() bool {
	return e.isInterfaceObject
}

// SubGraphV2 represents a subgraph information.
type SubGraphV2 struct {
	Name     string             // Subgraph name (e.g., "product")
	Host     string             // Host (e.g., "product.example.com")
	Schema   *ast.Document      // Schema AST
	entities map[string]*Entity // Entity map with entity name as key
}

// NewSubGraphV2 initializes a SubGraphV2 by parsing the schema and extracting entities.
// It analyzes @key, @requires, @provides, @shareable, and @external directives.
func NewSubGraphV2(name string, src []byte, host string) (*SubGraphV2, error) {
	// Parse schema and obtain AST
	l := lexer.New(string(src))
	p := parser.New(l)
	doc := p.ParseDocument()
	if len(p.Errors()) > 0 {
		return nil, fmt.Errorf("parse error: %v", p.Errors())
	}

	// Initialize SubGraph structure
	sg := &SubGraphV2{
		Name:     name,
		Host:     host,
		Schema:   doc,
		entities: make(map[string]*Entity),
	}

	// Traverse all type definitions
	for _, def := range doc.Definitions {
		// Process ObjectTypeDefinition
		if objType, ok := def.(*ast.ObjectTypeDefinition); ok {
			if isEntity(objType.Directives) {
				entity := &Entity{
					Keys:              parseEntityKeys(objType.Directives),
					isExtension:       false,
					Fields:            make(map[string]*Field),
					isInterfaceObject: hasDirectiveNamed(objType.Directives, "interfaceObject"),
				}

				// Traverse all fields
				for _, field := range objType.Fields {
					entity.Fields[field.Name.String()] = parseField(field)
				}

				sg.entities[objType.Name.String()] = entity
			}
		}

		// Process ObjectTypeExtension
		if objExt, ok := def.(*ast.ObjectTypeExtension); ok {
			if isEntity(objExt.Directives) {
				entity := &Entity{
					Keys:              parseEntityKeys(objExt.Directives),
					isExtension:       true,
					Fields:            make(map[string]*Field),
					isInterfaceObject: hasDirectiveNamed(objExt.Directives, "interfaceObject"),
				}

				// Traverse all fields
				for _, field := range objExt.Fields {
					entity.Fields[field.Name.String()] = parseField(field)
				}

				sg.entities[objExt.Name.String()] = entity
			}
		}
	}

	return sg, nil
}

// GetEntities returns the entities map.
func (sg *SubGraphV2) GetEntities() map[string]*Entity {
	return sg.entities
}

// GetEntity returns the Entity with the specified name.
func (sg *SubGraphV2) GetEntity(name string) (*Entity, bool) {
	entity, ok := sg.entities[name]
	return entity, ok
}

// isEntity checks if @key directive exists.
func isEntity(directives []*ast.Directive) bool {
	for _, d := range directives {
		if d.Name == "key" {
			return true
		}
	}
	return false
}

// parseEntityKeys parses EntityKey list from @key directives.
func parseEntityKeys(directives []*ast.Directive) []EntityKey {
	var keys []EntityKey

	for _, d := range directives {
		if d.Name == "key" {
			key := EntityKey{
				Resolvable: true, // Default is true
			}

			// Parse arguments
			for _, arg := range d.Arguments {
				switch arg.Name.String() {
				case "fields":
					// Get fields value (remove quotes)
					fieldSet := strings.Trim(arg.Value.String(), "\"")
					key.FieldSet = fieldSet
				case "resolvable":
					// Get resolvable value
					if arg.Value.String() == "false" {
						key.Resolvable = false
					}
				}
			}

			keys = append(keys, key)
		}
	}

	return keys
}

// parseField creates a Field structure from field definition.
func parseField(field *ast.FieldDefinition) *Field {
	f := &Field{
		Name:     field.Name.String(),
		Type:     field.Type,
		Requires: []string{},
		Provides: []string{},
	}

	// Parse directives
	for _, d := range field.Directives {
		switch d.Name {
		case "requires":
			if v, ok := directiveArg(d, "fields"); ok {
				f.Requires = strings.Fields(strings.Trim(v, "\""))
			}
		case "provides":
			if v, ok := directiveArg(d, "fields"); ok {
				f.Provides = strings.Fields(strings.Trim(v, "\""))
			}
		case "shareable":
			f.isShareable = true
		case "external":
			f.isExternal = true
		case "inaccessible":
			f.isInaccessible = true
		case "authenticated":
			f.isAuthenticated = true
		case "override":
			ov := &Override{}
			if v, ok := directiveArg(d, "from"); ok {
				ov.From = strings.Trim(v, "\"")
			}
			if v, ok := directiveArg(d, "label"); ok {
				ov.Label = strings.Trim(v, "\"")
			}
			f.override = ov
		case "deprecated":
			reason := "No longer supported"
			if v, ok := directiveArg(d, "reason"); ok {
				reason = strings.Trim(v, "\"")
			}
			f.deprecated = &DeprecatedInfo{Reason: reason}
		case "tag":
			if v, ok := directiveArg(d, "name"); ok {
				f.Tags = append(f.Tags, strings.Trim(v, "\""))
			}
		case "requiresScopes":
			if v, ok := directiveArg(d, "scopes"); ok {
				f.RequiresScopes = append(f.RequiresScopes, strings.Fields(strings.Trim(v, "\"[]")))
			}
		case "policy":
			if v, ok := directiveArg(d, "policies"); ok {
				f.Policies = append(f.Policies, strings.Fields(strings.Trim(v, "\"[]")))
			}
		}
	}

	return f
}

// directiveArg returns the raw string form of a named directive argument.
func directiveArg(d *ast.Directive, name string) (string, bool) {
	for _, arg := range d.Arguments {
		if arg.Name.String() == name {
			return arg.Value.String(), true
		}
	}
	return "", false
}

// hasDirectiveNamed reports whether any of the given directives matches name.
func hasDirectiveNamed(directives []*ast.Directive, name string) bool {
	for _, d := range directives {
		if d.Name == name {
			return true
		}
	}
	return false
}

// IsShareable returns whether the field has @shareable directive.
func (f *Field) IsShareable() bool {
	return f.isShareable
}

// IsExternal returns whether the field has @external directive.
func (f *Field) IsExternal() bool {
	return f.isExternal
}

// IsInaccessible returns whether the field has @inaccessible directive.
func (f *Field) IsInaccessible() bool {
	return f.isInaccessible
}

// IsAuthenticated returns whether the field has @authenticated directive.
func (f *Field) IsAuthenticated() bool {
	return f.isAuthenticated
}

// GetOverride returns the field's @override(from:) information, if any.
func (f *Field) GetOverride() (*Override, bool) {
	return f.override, f.override != nil
}

// Deprecated returns the field's @deprecated information, if any.
func (f *Field) Deprecated() (*DeprecatedInfo, bool) {
	return f.deprecated, f.deprecated != nil
}

// IsExtension returns whether the Entity is defined as an extension.
func (e *Entity) IsExtension() bool {
	return e.isExtension
}

// IsResolvable returns whether the Entity has at least one resolvable key.
// If all keys have resolvable: false, this returns false.
func (e *Entity) IsResolvable() bool {
	for _, key := range e.Keys {
		if key.Resolvable {
			return true
		}
	}
	return false
}
