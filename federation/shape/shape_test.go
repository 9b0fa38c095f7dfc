package shape_test

import (
	"strings"
	"testing"

	"github.com/n9te9/federation-gateway-core/federation/shape"
	"github.com/n9te9/graphql-parser/ast"
	"github.com/n9te9/graphql-parser/lexer"
	"github.com/n9te9/graphql-parser/parser"
)

func parseTestSchema(t *testing.T, sdl string) *ast.Document {
	t.Helper()
	l := lexer.New(sdl)
	p := parser.New(l)
	doc := p.ParseDocument()
	if len(p.Errors()) > 0 {
		t.Fatalf("failed to parse schema: %v", p.Errors())
	}
	return doc
}

const testSchemaSDL = `
	type Product {
		id: ID!
		name: String!
		price: Float!
		inStock: Boolean!
		tags: [String!]!
	}

	type Query {
		product(id: ID!): Product
	}
`

func fieldsSelection(names ...string) []ast.Selection {
	selections := make([]ast.Selection, len(names))
	for i, n := range names {
		selections[i] = &ast.Field{Name: &ast.Name{Value: n}}
	}
	return selections
}

func TestDecodeCoercesScalarsPerDeclaredType(t *testing.T) {
	schema := parseTestSchema(t, testSchemaSDL)
	s := shape.New(schema)

	body := `{
		"data": {
			"product": {
				"id": "p1",
				"name": "Widget",
				"price": 9.99,
				"inStock": true,
				"tags": ["a", "b"]
			}
		}
	}`

	rootSelections := []ast.Selection{
		&ast.Field{
			Name:         &ast.Name{Value: "product"},
			SelectionSet: fieldsSelection("id", "name", "price", "inStock", "tags"),
		},
	}

	result, shapeErrs, err := s.Decode(strings.NewReader(body), "Query", rootSelections)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(shapeErrs) != 0 {
		t.Fatalf("unexpected shape errors: %v", shapeErrs)
	}

	data, ok := result["data"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected data field, got %v", result)
	}
	product, ok := data["product"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected product object, got %v", data["product"])
	}

	if product["id"] != "p1" {
		t.Errorf("id = %v, want p1", product["id"])
	}
	if product["price"] != 9.99 {
		t.Errorf("price = %v, want 9.99", product["price"])
	}
	if product["inStock"] != true {
		t.Errorf("inStock = %v, want true", product["inStock"])
	}
	tags, ok := product["tags"].([]interface{})
	if !ok || len(tags) != 2 || tags[0] != "a" || tags[1] != "b" {
		t.Errorf("tags = %v, want [a b]", product["tags"])
	}
}

func TestDecodeRejectsNonIntegralFloatForIntField(t *testing.T) {
	schema := parseTestSchema(t, `
		type Widget {
			count: Int!
		}
		type Query {
			widget: Widget
		}
	`)
	s := shape.New(schema)

	body := `{"data": {"widget": {"count": 1.5}}}`
	rootSelections := []ast.Selection{
		&ast.Field{Name: &ast.Name{Value: "widget"}, SelectionSet: fieldsSelection("count")},
	}

	result, shapeErrs, err := s.Decode(strings.NewReader(body), "Query", rootSelections)
	if err != nil {
		t.Fatalf("Decode returned a hard error for a scalar coercion failure: %v", err)
	}
	if len(shapeErrs) != 1 {
		t.Fatalf("expected exactly 1 shape error, got %d: %v", len(shapeErrs), shapeErrs)
	}
	wantPath := []interface{}{"widget", "count"}
	if !pathEqual(shapeErrs[0].Path, wantPath) {
		t.Errorf("shape error path = %v, want %v", shapeErrs[0].Path, wantPath)
	}

	data := result["data"].(map[string]interface{})
	widget, present := data["widget"]
	if !present {
		t.Fatalf("expected a widget key in data, got %v", data)
	}
	if widget != nil {
		t.Errorf("expected widget to be nulled (count is non-null, Widget is its nearest nullable ancestor), got %v", widget)
	}
}

func TestDecodeBubblesNullNonNullFieldToRoot(t *testing.T) {
	schema := parseTestSchema(t, `
		type User {
			name: String!
		}
		type Query {
			user: User!
		}
	`)
	s := shape.New(schema)

	body := `{"data": {"user": {"name": null}}}`
	rootSelections := []ast.Selection{
		&ast.Field{Name: &ast.Name{Value: "user"}, SelectionSet: fieldsSelection("name")},
	}

	result, shapeErrs, err := s.Decode(strings.NewReader(body), "Query", rootSelections)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(shapeErrs) != 1 {
		t.Fatalf("expected exactly 1 shape error, got %d: %v", len(shapeErrs), shapeErrs)
	}
	wantPath := []interface{}{"user", "name"}
	if !pathEqual(shapeErrs[0].Path, wantPath) {
		t.Errorf("shape error path = %v, want %v", shapeErrs[0].Path, wantPath)
	}
	if result["data"] != nil {
		t.Errorf("expected data to bubble to nil, got %v", result["data"])
	}
}

func TestDecodeNullsNullableListElementWithoutFailingList(t *testing.T) {
	schema := parseTestSchema(t, `
		type Query {
			names: [String]
		}
	`)
	s := shape.New(schema)

	body := `{"data": {"names": ["a", null, "c"]}}`
	rootSelections := []ast.Selection{
		&ast.Field{Name: &ast.Name{Value: "names"}},
	}

	result, shapeErrs, err := s.Decode(strings.NewReader(body), "Query", rootSelections)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(shapeErrs) != 0 {
		t.Fatalf("unexpected shape errors for a nullable list element: %v", shapeErrs)
	}
	data := result["data"].(map[string]interface{})
	names, ok := data["names"].([]interface{})
	if !ok || len(names) != 3 || names[0] != "a" || names[1] != nil || names[2] != "c" {
		t.Errorf("names = %v, want [a nil c]", data["names"])
	}
}

func TestDecodeEntitiesStreamsEachElement(t *testing.T) {
	schema := parseTestSchema(t, `
		type Product {
			id: ID!
			name: String!
		}
	`)
	s := shape.New(schema)

	body := `{
		"data": {
			"_entities": [
				{"id": "p1", "name": "Widget"},
				{"id": "p2", "name": "Gadget"}
			]
		}
	}`

	entities, shapeErrs, err := s.DecodeEntities(strings.NewReader(body), "Product", fieldsSelection("id", "name"))
	if err != nil {
		t.Fatalf("DecodeEntities failed: %v", err)
	}
	if len(shapeErrs) != 0 {
		t.Fatalf("unexpected shape errors: %v", shapeErrs)
	}
	if len(entities) != 2 {
		t.Fatalf("expected 2 entities, got %d", len(entities))
	}
	if entities[0]["id"] != "p1" || entities[1]["id"] != "p2" {
		t.Errorf("unexpected entities: %v", entities)
	}
}

func TestDecodeEntitiesNilsEntityFailingNonNullField(t *testing.T) {
	schema := parseTestSchema(t, `
		type Product {
			id: ID!
			name: String!
		}
	`)
	s := shape.New(schema)

	body := `{
		"data": {
			"_entities": [
				{"id": "p1", "name": null},
				{"id": "p2", "name": "Gadget"}
			]
		}
	}`

	entities, shapeErrs, err := s.DecodeEntities(strings.NewReader(body), "Product", fieldsSelection("id", "name"))
	if err != nil {
		t.Fatalf("DecodeEntities failed: %v", err)
	}
	if len(shapeErrs) != 1 {
		t.Fatalf("expected exactly 1 shape error, got %d: %v", len(shapeErrs), shapeErrs)
	}
	wantPath := []interface{}{"_entities", 0, "name"}
	if !pathEqual(shapeErrs[0].Path, wantPath) {
		t.Errorf("shape error path = %v, want %v", shapeErrs[0].Path, wantPath)
	}
	if len(entities) != 2 {
		t.Fatalf("expected 2 entity slots, got %d", len(entities))
	}
	if entities[0] != nil {
		t.Errorf("expected entity 0 to be nil, got %v", entities[0])
	}
	if entities[1]["id"] != "p2" {
		t.Errorf("expected entity 1 to survive, got %v", entities[1])
	}
}

func TestDecodePassesThroughUnknownParentType(t *testing.T) {
	schema := parseTestSchema(t, testSchemaSDL)
	s := shape.New(schema)

	body := `{"data": {"whatever": {"nested": 42}}}`
	result, shapeErrs, err := s.Decode(strings.NewReader(body), "", fieldsSelection("whatever"))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(shapeErrs) != 0 {
		t.Fatalf("unexpected shape errors: %v", shapeErrs)
	}
	data := result["data"].(map[string]interface{})
	whatever, ok := data["whatever"].(map[string]interface{})
	if !ok || whatever["nested"] != float64(42) {
		t.Errorf("expected passthrough decode, got %v", data["whatever"])
	}
}

func pathEqual(got, want []interface{}) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}
