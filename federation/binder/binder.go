// Package binder implements operation binding: coercing the raw JSON
// variable values and AST literal values of an incoming operation against
// the types declared by the composed schema, before the solver plans
// anything. A binder rejects malformed input early with a diagnostic rather
// than letting a malformed value reach a subgraph.
package binder

import (
	"fmt"
	"strconv"

	"github.com/n9te9/federation-gateway-core/federation/diagnostics"
	"github.com/n9te9/graphql-parser/ast"
)

// Binder coerces variable and literal values against a composed schema.
type Binder struct {
	schema *ast.Document
}

// New returns a Binder bound to the given composed schema document.
func New(schema *ast.Document) *Binder {
	return &Binder{schema: schema}
}

// CoerceVariables coerces every variable referenced by an argument anywhere
// in the operation's selection set, resolving each variable's required type
// the same way the query builder infers it per step: by walking field
// arguments for *ast.Variable usages and resolving the declared argument
// type from the schema field that owns it. Variables the operation never
// references through an argument are passed through unmodified.
func (b *Binder) CoerceVariables(rootType string, selections []ast.Selection, raw map[string]interface{}) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(raw))
	for k, v := range raw {
		out[k] = v
	}
	if err := b.coerceVariablesIn(rootType, selections, raw, out); err != nil {
		return nil, diagnostics.New(diagnostics.KindBinding, diagnostics.CodeVariableCoercion, "%v", err)
	}
	return out, nil
}

func (b *Binder) coerceVariablesIn(parentType string, selections []ast.Selection, raw, out map[string]interface{}) error {
	for _, sel := range selections {
		switch s := sel.(type) {
		case *ast.Field:
			fieldName := s.Name.String()
			for _, arg := range s.Arguments {
				variable, ok := arg.Value.(*ast.Variable)
				if !ok {
					continue
				}
				argType, found := b.argumentType(parentType, fieldName, arg.Name.String())
				if !found {
					continue
				}
				value, present := raw[variable.Name]
				if !present {
					if isNonNull(argType) {
						return fmt.Errorf("variable %q of required type %s was not provided", variable.Name, typeName(argType))
					}
					continue
				}
				coerced, err := b.CoerceVariableValue(argType, value)
				if err != nil {
					return fmt.Errorf("variable %q: %w", variable.Name, err)
				}
				out[variable.Name] = coerced
			}
			if len(s.SelectionSet) > 0 {
				if childType, ok := b.fieldTypeName(parentType, fieldName); ok {
					if err := b.coerceVariablesIn(childType, s.SelectionSet, raw, out); err != nil {
						return err
					}
				}
			}
		case *ast.InlineFragment:
			if len(s.SelectionSet) > 0 {
				if err := b.coerceVariablesIn(parentType, s.SelectionSet, raw, out); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// argumentType finds the declared type of fieldName's argName argument on
// parentType, mirroring query_builder_v2's getArgumentTypeFromSchema.
func (b *Binder) argumentType(parentType, fieldName, argName string) (ast.Type, bool) {
	for _, def := range b.schema.Definitions {
		objType, ok := def.(*ast.ObjectTypeDefinition)
		if !ok || objType.Name.String() != parentType {
			continue
		}
		for _, field := range objType.Fields {
			if field.Name.String() != fieldName {
				continue
			}
			for _, arg := range field.Arguments {
				if arg.Name.String() == argName {
					return arg.Type, true
				}
			}
		}
	}
	return nil, false
}

// fieldTypeName resolves the base (unwrapped) type name of fieldName on
// parentType, mirroring query_builder_v2's getFieldType/extractBaseTypeName.
func (b *Binder) fieldTypeName(parentType, fieldName string) (string, bool) {
	for _, def := range b.schema.Definitions {
		objType, ok := def.(*ast.ObjectTypeDefinition)
		if !ok || objType.Name.String() != parentType {
			continue
		}
		for _, field := range objType.Fields {
			if field.Name.String() == fieldName {
				return typeName(field.Type), true
			}
		}
	}
	return "", false
}

// CoerceVariableValue coerces a single raw JSON value against an expected type.
func (b *Binder) CoerceVariableValue(t ast.Type, raw interface{}) (interface{}, error) {
	if nn, ok := t.(*ast.NonNullType); ok {
		if raw == nil {
			return nil, fmt.Errorf("must not be null")
		}
		return b.CoerceVariableValue(nn.Type, raw)
	}
	if raw == nil {
		return nil, nil
	}

	if lt, ok := t.(*ast.ListType); ok {
		if items, ok := raw.([]interface{}); ok {
			out := make([]interface{}, len(items))
			for i, item := range items {
				coerced, err := b.CoerceVariableValue(lt.Type, item)
				if err != nil {
					return nil, fmt.Errorf("index %d: %w", i, err)
				}
				out[i] = coerced
			}
			return out, nil
		}
		// A bare value is coerced into a single-element list.
		coerced, err := b.CoerceVariableValue(lt.Type, raw)
		if err != nil {
			return nil, err
		}
		return []interface{}{coerced}, nil
	}

	named, ok := t.(*ast.NamedType)
	if !ok {
		return raw, nil
	}
	name := named.Name.String()

	switch name {
	case "Int":
		return coerceInt(raw)
	case "Float":
		return coerceFloat(raw)
	case "String":
		return coerceString(raw)
	case "ID":
		// ID also accepts integer input, coerced to its string form.
		switch v := raw.(type) {
		case int:
			return strconv.Itoa(v), nil
		case int64:
			return strconv.FormatInt(v, 10), nil
		case float64:
			if v == float64(int64(v)) {
				return strconv.FormatInt(int64(v), 10), nil
			}
		}
		return coerceString(raw)
	case "Boolean":
		b, ok := raw.(bool)
		if !ok {
			return nil, fmt.Errorf("expected Boolean, got %T", raw)
		}
		return b, nil
	}

	if def := b.findInputObject(name); def != nil {
		return b.coerceInputObject(def, raw)
	}
	if values := b.findEnumValues(name); values != nil {
		s, ok := raw.(string)
		if !ok || !contains(values, s) {
			return nil, fmt.Errorf("value %v is not a valid %s enum value", raw, name)
		}
		return s, nil
	}

	// Custom scalar: pass through, the subgraph is authoritative for it.
	return raw, nil
}

// CoerceLiteral coerces an AST literal (from an operation's arguments) against
// an expected type, resolving nested variable references against the
// already-coerced variables map. Explicit null literals are not part of the
// confirmed literal surface and are left to the caller to reject upstream;
// an absent field is handled at the map level by coerceInputObject.
func (b *Binder) CoerceLiteral(t ast.Type, v ast.Value, variables map[string]interface{}) (interface{}, error) {
	if vr, ok := v.(*ast.Variable); ok {
		return variables[vr.Name], nil
	}
	if nn, ok := t.(*ast.NonNullType); ok {
		return b.CoerceLiteral(nn.Type, v, variables)
	}

	if lt, ok := t.(*ast.ListType); ok {
		if list, ok := v.(*ast.ListValue); ok {
			out := make([]interface{}, len(list.Values))
			for i, item := range list.Values {
				coerced, err := b.CoerceLiteral(lt.Type, item, variables)
				if err != nil {
					return nil, fmt.Errorf("index %d: %w", i, err)
				}
				out[i] = coerced
			}
			return out, nil
		}
		coerced, err := b.CoerceLiteral(lt.Type, v, variables)
		if err != nil {
			return nil, err
		}
		return []interface{}{coerced}, nil
	}

	named, ok := t.(*ast.NamedType)
	if !ok {
		return nil, fmt.Errorf("unsupported type reference")
	}
	name := named.Name.String()

	switch val := v.(type) {
	case *ast.IntValue:
		return val.Value, nil
	case *ast.FloatValue:
		return val.Value, nil
	case *ast.StringValue:
		return val.Value, nil
	case *ast.BooleanValue:
		return val.Value, nil
	case *ast.EnumValue:
		values := b.findEnumValues(name)
		if values != nil && !contains(values, val.Value) {
			return nil, fmt.Errorf("value %q is not a valid %s enum value", val.Value, name)
		}
		return val.Value, nil
	case *ast.ObjectValue:
		def := b.findInputObject(name)
		if def == nil {
			return nil, fmt.Errorf("%s is not an input object type", name)
		}
		raw := make(map[string]interface{}, len(val.Fields))
		for _, f := range val.Fields {
			coerced, err := b.coerceInputFieldLiteral(def, f.Name.String(), f.Value, variables)
			if err != nil {
				return nil, err
			}
			raw[f.Name.String()] = coerced
		}
		return b.finishInputObject(def, raw)
	}

	return nil, fmt.Errorf("cannot coerce literal of type %T against %s", v, name)
}

func (b *Binder) coerceInputFieldLiteral(def *ast.InputObjectTypeDefinition, fieldName string, v ast.Value, variables map[string]interface{}) (interface{}, error) {
	for _, f := range def.Fields {
		if f.Name.String() == fieldName {
			return b.CoerceLiteral(f.Type, v, variables)
		}
	}
	return nil, fmt.Errorf("unknown input field %q on %s", fieldName, def.Name.String())
}

// coerceInputObject coerces a raw map[string]interface{} against an input
// object definition, applying required-field checks and the @oneOf
// "exactly one field set" rule.
func (b *Binder) coerceInputObject(def *ast.InputObjectTypeDefinition, raw interface{}) (interface{}, error) {
	m, ok := raw.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("expected an object for input type %s, got %T", def.Name.String(), raw)
	}

	out := make(map[string]interface{}, len(def.Fields))
	for _, f := range def.Fields {
		name := f.Name.String()
		val, present := m[name]
		if !present {
			if isNonNull(f.Type) {
				return nil, fmt.Errorf("field %s.%s of required type %s was not provided", def.Name.String(), name, typeName(f.Type))
			}
			continue
		}
		coerced, err := b.CoerceVariableValue(f.Type, val)
		if err != nil {
			return nil, fmt.Errorf("field %s.%s: %w", def.Name.String(), name, err)
		}
		out[name] = coerced
	}

	return b.finishInputObject(def, out)
}

// finishInputObject applies the @oneOf rule once a coerced field map is built.
func (b *Binder) finishInputObject(def *ast.InputObjectTypeDefinition, out map[string]interface{}) (interface{}, error) {
	if hasDirective(def.Directives, "oneOf") {
		set := 0
		for _, v := range out {
			if v != nil {
				set++
			}
		}
		if set != 1 {
			return nil, fmt.Errorf("exactly one field must be set on oneOf input %s, got %d", def.Name.String(), set)
		}
	}
	return out, nil
}

func (b *Binder) findInputObject(name string) *ast.InputObjectTypeDefinition {
	for _, def := range b.schema.Definitions {
		if d, ok := def.(*ast.InputObjectTypeDefinition); ok && d.Name.String() == name {
			return d
		}
	}
	return nil
}

func (b *Binder) findEnumValues(name string) []string {
	for _, def := range b.schema.Definitions {
		if d, ok := def.(*ast.EnumTypeDefinition); ok && d.Name.String() == name {
			values := make([]string, len(d.Values))
			for i, v := range d.Values {
				values[i] = v.Value.String()
			}
			return values
		}
	}
	return nil
}

func isNonNull(t ast.Type) bool {
	_, ok := t.(*ast.NonNullType)
	return ok
}

func typeName(t ast.Type) string {
	switch v := t.(type) {
	case *ast.NamedType:
		return v.Name.String()
	case *ast.ListType:
		return "[" + typeName(v.Type) + "]"
	case *ast.NonNullType:
		return typeName(v.Type) + "!"
	}
	return "?"
}

func hasDirective(directives []*ast.Directive, name string) bool {
	for _, d := range directives {
		if d.Name == name {
			return true
		}
	}
	return false
}

func contains(values []string, s string) bool {
	for _, v := range values {
		if v == s {
			return true
		}
	}
	return false
}

func coerceInt(raw interface{}) (int, error) {
	switch v := raw.(type) {
	case int:
		return v, nil
	case int32:
		return int(v), nil
	case int64:
		return int(v), nil
	case float64:
		if v != float64(int(v)) {
			return 0, fmt.Errorf("expected Int, got non-integral float %v", v)
		}
		return int(v), nil
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("expected Int, got string %q", v)
		}
		return n, nil
	}
	return 0, fmt.Errorf("expected Int, got %T", raw)
}

func coerceFloat(raw interface{}) (float64, error) {
	switch v := raw.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("expected Float, got string %q", v)
		}
		return f, nil
	}
	return 0, fmt.Errorf("expected Float, got %T", raw)
}

func coerceString(raw interface{}) (string, error) {
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("expected String, got %T", raw)
	}
	return s, nil
}
