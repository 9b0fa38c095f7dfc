// Package shape decodes a subgraph's JSON response body against the
// selection set the planner sent it for, coercing scalars per their
// declared schema type as values are read rather than unmarshalling into a
// generic map[string]any and coercing afterward (what the executor did
// before this package existed).
package shape

import (
	"fmt"
	"io"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/n9te9/graphql-parser/ast"
)

// Shaper decodes subgraph responses against a composed schema.
type Shaper struct {
	schema *ast.Document
}

// New returns a Shaper bound to the given composed schema document.
func New(schema *ast.Document) *Shaper {
	return &Shaper{schema: schema}
}

// ShapeError is a single response-shape violation found while decoding a
// subgraph body against the schema: a null read for a non-null field, or a
// value of the wrong scalar kind. Path is relative to the decode root (the
// operation's "data", or one _entities element).
type ShapeError struct {
	Path    []interface{}
	Message string
}

func (e *ShapeError) Error() string { return e.Message }

// Decode streams r's top-level JSON object — {"data": ..., "errors": ...}
// — pulling "data" apart field by field against rootType/selections and
// passing "errors" through unshaped (the executor already has its own
// GraphQLError handling for subgraph errors).
//
// A null read for a non-null field, or a scalar of the wrong kind, is not a
// decode failure: it is recorded as a ShapeError at the offending path and
// null-bubbles to the nearest nullable ancestor, per the gateway's
// null-bubbling rule. Decode only returns a non-nil error for a body that
// cannot be tokenized as JSON at all.
func (s *Shaper) Decode(r io.Reader, rootType string, selections []ast.Selection) (map[string]interface{}, []*ShapeError, error) {
	dec := json.NewDecoder(r)
	if err := expectDelim(dec, '{'); err != nil {
		return nil, nil, fmt.Errorf("reading response: %w", err)
	}

	var shapeErrs []*ShapeError
	result := make(map[string]interface{})
	for dec.More() {
		key, err := decodeKey(dec)
		if err != nil {
			return nil, nil, err
		}

		switch key {
		case "data":
			tok, err := dec.Token()
			if err != nil {
				return nil, nil, fmt.Errorf("reading data field: %w", err)
			}
			if tok == nil {
				result["data"] = nil
				continue
			}
			delim, ok := tok.(json.Delim)
			if !ok || delim != '{' {
				return nil, nil, fmt.Errorf("expected object for data field, got %v", tok)
			}
			data, failed, err := s.decodeObject(dec, rootType, selections, nil, &shapeErrs)
			if err != nil {
				return nil, nil, err
			}
			if failed {
				// A non-null root field could not be produced: the whole
				// data tree bubbles to null.
				result["data"] = nil
			} else {
				result["data"] = data
			}
		default:
			var raw interface{}
			if err := dec.Decode(&raw); err != nil {
				return nil, nil, fmt.Errorf("reading %s field: %w", key, err)
			}
			result[key] = raw
		}
	}

	if _, err := dec.Token(); err != nil && err != io.EOF {
		return nil, nil, fmt.Errorf("reading response closing brace: %w", err)
	}

	return result, shapeErrs, nil
}

// DecodeEntities streams the _entities response of an entity fetch
// (`{"data": {"_entities": [...]}}`) against entityType/selections, one
// array element at a time, instead of Decode's single-object data field.
// An entity whose decode fails its own non-null contract becomes a nil
// element (the list itself, `[_Entity]`, is nullable per element) rather
// than aborting the whole batch.
func (s *Shaper) DecodeEntities(r io.Reader, entityType string, selections []ast.Selection) ([]map[string]interface{}, []*ShapeError, error) {
	dec := json.NewDecoder(r)
	if err := expectDelim(dec, '{'); err != nil {
		return nil, nil, fmt.Errorf("reading response: %w", err)
	}

	var shapeErrs []*ShapeError
	var entities []map[string]interface{}
	for dec.More() {
		key, err := decodeKey(dec)
		if err != nil {
			return nil, nil, err
		}

		if key != "data" {
			var raw interface{}
			if err := dec.Decode(&raw); err != nil {
				return nil, nil, fmt.Errorf("reading %s field: %w", key, err)
			}
			continue
		}

		if err := expectDelim(dec, '{'); err != nil {
			return nil, nil, fmt.Errorf("reading data field: %w", err)
		}
		for dec.More() {
			dataKey, err := decodeKey(dec)
			if err != nil {
				return nil, nil, err
			}
			if dataKey != "_entities" {
				var raw interface{}
				if err := dec.Decode(&raw); err != nil {
					return nil, nil, fmt.Errorf("reading %s field: %w", dataKey, err)
				}
				continue
			}

			if err := expectDelim(dec, '['); err != nil {
				return nil, nil, fmt.Errorf("reading _entities field: %w", err)
			}
			i := 0
			for dec.More() {
				tok, err := dec.Token()
				if err != nil {
					return nil, nil, fmt.Errorf("reading entity element: %w", err)
				}
				if tok == nil {
					entities = append(entities, nil)
					i++
					continue
				}
				delim, ok := tok.(json.Delim)
				if !ok || delim != '{' {
					return nil, nil, fmt.Errorf("expected object for entity element, got %v", tok)
				}
				entity, failed, err := s.decodeObject(dec, entityType, selections, []interface{}{"_entities", i}, &shapeErrs)
				if err != nil {
					return nil, nil, err
				}
				if failed {
					entities = append(entities, nil)
				} else {
					entities = append(entities, entity)
				}
				i++
			}
			if _, err := dec.Token(); err != nil {
				return nil, nil, fmt.Errorf("reading _entities closing bracket: %w", err)
			}
		}
		if _, err := dec.Token(); err != nil {
			return nil, nil, fmt.Errorf("reading data closing brace: %w", err)
		}
	}

	return entities, shapeErrs, nil
}

// decodeObject decodes one JSON object's fields against parentType's
// declared fields, looking up each response key's field by alias-or-name,
// the same rule the planner and executor already use (buildStepSelections
// response-key handling). The opening '{' must already be consumed.
//
// failed is true when a field declared non-null in the schema could not be
// produced (a deeper violation bubbled up to it); the caller must then
// treat this entire object as null rather than use the returned map.
func (s *Shaper) decodeObject(dec *json.Decoder, parentType string, selections []ast.Selection, path []interface{}, shapeErrs *[]*ShapeError) (map[string]interface{}, bool, error) {
	result := make(map[string]interface{})
	objectFailed := false
	for dec.More() {
		key, err := decodeKey(dec)
		if err != nil {
			return nil, false, err
		}

		field := findSelectionByResponseKey(selections, key)
		if field == nil || key == "__typename" {
			// Unrequested key (e.g. a subgraph that over-returns, or
			// __typename when not explicitly selected) — pass through raw.
			var raw interface{}
			if err := dec.Decode(&raw); err != nil {
				return nil, false, fmt.Errorf("reading %s.%s: %w", parentType, key, err)
			}
			result[key] = raw
			continue
		}

		fieldType, ok := s.fieldType(parentType, field.Name.String())
		if !ok {
			var raw interface{}
			if err := dec.Decode(&raw); err != nil {
				return nil, false, fmt.Errorf("reading %s.%s: %w", parentType, key, err)
			}
			result[key] = raw
			continue
		}

		fieldPath := append(append([]interface{}{}, path...), key)
		message := fmt.Sprintf("Cannot return null for non-nullable field %s.%s.", parentType, field.Name.String())
		value, bubbled, err := s.decodeSlot(dec, fieldType, field.SelectionSet, fieldPath, message, shapeErrs)
		if err != nil {
			return nil, false, fmt.Errorf("%s.%s: %w", parentType, key, err)
		}
		if bubbled {
			objectFailed = true
			continue
		}
		result[key] = value
	}

	if _, err := dec.Token(); err != nil {
		return nil, false, fmt.Errorf("reading %s closing brace: %w", parentType, err)
	}
	if objectFailed {
		return nil, true, nil
	}
	return result, false, nil
}

// decodeSlot decodes one field or list-element value of declared type t,
// applying the null-into-non-null rule: if t is a NonNullType and the
// decoded value comes back nil — whether because the JSON value was
// literally null, or because something nested already failed its own
// non-null contract and was absorbed as null — this slot cannot represent
// it. A single ShapeError is recorded at path (skipped if a deeper call
// already recorded one for this same slot), and bubbled is returned true so
// the caller discards its own container (object field set to absent, or the
// whole list nulled).
func (s *Shaper) decodeSlot(dec *json.Decoder, t ast.Type, childSelections []ast.Selection, path []interface{}, message string, shapeErrs *[]*ShapeError) (interface{}, bool, error) {
	before := len(*shapeErrs)
	value, err := s.decodeValue(dec, t, childSelections, path, shapeErrs)
	if err != nil {
		return nil, false, err
	}

	if value == nil {
		if _, nonNull := t.(*ast.NonNullType); nonNull {
			if len(*shapeErrs) == before {
				*shapeErrs = append(*shapeErrs, &ShapeError{Path: path, Message: message})
			}
			return nil, true, nil
		}
	}
	return value, false, nil
}

// decodeValue decodes one JSON value at t, recursing through list and
// non-null wrapping until it reaches either a scalar (coerced per spec
// scalar rules) or an object (decoded via decodeObject against
// childSelections). decodeValue itself never decides whether a null is
// acceptable — that is decodeSlot's job, applied at every field/list-element
// boundary — so a bare (non-null-unaware) call always treats JSON null, or
// an absorbed nested failure, as a legitimate nil result.
func (s *Shaper) decodeValue(dec *json.Decoder, t ast.Type, childSelections []ast.Selection, path []interface{}, shapeErrs *[]*ShapeError) (interface{}, error) {
	if nn, ok := t.(*ast.NonNullType); ok {
		return s.decodeValue(dec, nn.Type, childSelections, path, shapeErrs)
	}

	if lt, ok := t.(*ast.ListType); ok {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("reading list value: %w", err)
		}
		if tok == nil {
			return nil, nil
		}
		delim, ok := tok.(json.Delim)
		if !ok || delim != '[' {
			return nil, fmt.Errorf("expected array, got %v", tok)
		}

		items := make([]interface{}, 0)
		listFailed := false
		i := 0
		for dec.More() {
			itemPath := append(append([]interface{}{}, path...), i)
			message := fmt.Sprintf("Cannot return null for non-nullable list element at index %d.", i)
			item, bubbled, err := s.decodeSlot(dec, lt.Type, childSelections, itemPath, message, shapeErrs)
			if err != nil {
				return nil, err
			}
			if bubbled {
				listFailed = true
			}
			items = append(items, item)
			i++
		}
		if _, err := dec.Token(); err != nil {
			return nil, fmt.Errorf("reading list closing bracket: %w", err)
		}
		if listFailed {
			return nil, nil
		}
		return items, nil
	}

	named, ok := t.(*ast.NamedType)
	if !ok {
		var raw interface{}
		if err := dec.Decode(&raw); err != nil {
			return nil, err
		}
		return raw, nil
	}

	switch named.Name.String() {
	case "Int":
		return decodeScalar(dec, coerceInt, path, shapeErrs)
	case "Float":
		return decodeScalar(dec, coerceFloat, path, shapeErrs)
	case "String", "ID":
		return decodeScalar(dec, coerceString, path, shapeErrs)
	case "Boolean":
		return decodeScalar(dec, coerceBoolean, path, shapeErrs)
	default:
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("reading %s value: %w", named.Name.String(), err)
		}
		if tok == nil {
			return nil, nil
		}
		delim, ok := tok.(json.Delim)
		if !ok || delim != '{' {
			return nil, fmt.Errorf("expected object for %s, got %v", named.Name.String(), tok)
		}
		obj, failed, err := s.decodeObject(dec, named.Name.String(), childSelections, path, shapeErrs)
		if err != nil {
			return nil, err
		}
		if failed {
			return nil, nil
		}
		return obj, nil
	}
}

// fieldType resolves the declared return type of fieldName on parentType,
// mirroring binder.argumentType's schema walk but over field return types
// instead of argument types.
func (s *Shaper) fieldType(parentType, fieldName string) (ast.Type, bool) {
	for _, def := range s.schema.Definitions {
		objType, ok := def.(*ast.ObjectTypeDefinition)
		if !ok || objType.Name.String() != parentType {
			continue
		}
		for _, field := range objType.Fields {
			if field.Name.String() == fieldName {
				return field.Type, true
			}
		}
	}
	return nil, false
}

func findSelectionByResponseKey(selections []ast.Selection, key string) *ast.Field {
	for _, selection := range selections {
		field, ok := selection.(*ast.Field)
		if !ok {
			continue
		}
		responseKey := field.Name.String()
		if field.Alias != nil && field.Alias.String() != "" {
			responseKey = field.Alias.String()
		}
		if responseKey == key {
			return field
		}
	}
	return nil
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	delim, ok := tok.(json.Delim)
	if !ok || delim != want {
		return fmt.Errorf("expected %q, got %v", want, tok)
	}
	return nil
}

func decodeKey(dec *json.Decoder) (string, error) {
	tok, err := dec.Token()
	if err != nil {
		return "", fmt.Errorf("reading object key: %w", err)
	}
	key, ok := tok.(string)
	if !ok {
		return "", fmt.Errorf("expected string object key, got %v", tok)
	}
	return key, nil
}

// decodeScalar reads one JSON scalar value and coerces it per coerce. A
// literal JSON null is a legitimate nil result (nullability is enforced one
// level up, by decodeSlot); a value of the wrong kind records a ShapeError
// at path and is likewise absorbed as nil here — scalar decode never
// returns a hard error for a type mismatch, only for a body that can't be
// tokenized at all.
func decodeScalar(dec *json.Decoder, coerce func(interface{}) (interface{}, error), path []interface{}, shapeErrs *[]*ShapeError) (interface{}, error) {
	var raw interface{}
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	v, err := coerce(raw)
	if err != nil {
		*shapeErrs = append(*shapeErrs, &ShapeError{Path: path, Message: err.Error()})
		return nil, nil
	}
	return v, nil
}

func coerceInt(raw interface{}) (interface{}, error) {
	switch v := raw.(type) {
	case float64:
		if v != float64(int64(v)) {
			return nil, fmt.Errorf("expected Int, got non-integral float %v", v)
		}
		return int64(v), nil
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("expected Int, got string %q", v)
		}
		return n, nil
	default:
		return nil, fmt.Errorf("expected Int, got %T", raw)
	}
}

func coerceFloat(raw interface{}) (interface{}, error) {
	switch v := raw.(type) {
	case float64:
		return v, nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("expected Float, got string %q", v)
		}
		return f, nil
	default:
		return nil, fmt.Errorf("expected Float, got %T", raw)
	}
}

func coerceString(raw interface{}) (interface{}, error) {
	s, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("expected String, got %T", raw)
	}
	return s, nil
}

func coerceBoolean(raw interface{}) (interface{}, error) {
	b, ok := raw.(bool)
	if !ok {
		return nil, fmt.Errorf("expected Boolean, got %T", raw)
	}
	return b, nil
}
