package planner

import (
	"fmt"

	"github.com/n9te9/graphql-parser/ast"
	"github.com/n9te9/graphql-parser/token"
)

// RekeyTable maps a synthesized response key back to the response key the
// client actually asked for, so the response shaper can fold a rewritten
// selection back under its original key before the response reaches the
// client.
type RekeyTable map[string]string

// rekeySelections walks a step's sibling selections (after fragment
// expansion) and detects response keys bound to fields of incompatible
// shape, the way an interface/union query can select the same field name
// from two implementer branches with different return types. A response
// key is only ambiguous across siblings sharing one parent type, so this
// operates one selection set at a time rather than recursing eagerly; the
// caller recurses into child selection sets itself.
//
// Fields that collide are rewritten to a synthesized alias
// (rekey_<parentType>_<fieldName>_<n>) and the synthesized-to-original
// mapping is recorded in the returned RekeyTable. Fields with no conflict
// are returned unchanged.
func (p *PlannerV2) rekeySelections(parentType string, selections []ast.Selection) ([]ast.Selection, RekeyTable) {
	type occurrence struct {
		index int
		shape string
	}

	seen := make(map[string][]occurrence)
	for i, selection := range selections {
		field, ok := selection.(*ast.Field)
		if !ok {
			continue
		}

		responseKey := field.Name.String()
		if field.Alias != nil && field.Alias.String() != "" {
			responseKey = field.Alias.String()
		}

		shape, err := p.getFieldTypeName(parentType, field.Name.String())
		if err != nil {
			// Field not declared on parentType (e.g. an interface field only
			// resolvable via one implementer) — nothing to disambiguate.
			continue
		}

		seen[responseKey] = append(seen[responseKey], occurrence{index: i, shape: shape})
	}

	table := make(RekeyTable)
	result := make([]ast.Selection, len(selections))
	copy(result, selections)

	for responseKey, occurrences := range seen {
		if len(occurrences) < 2 {
			continue
		}

		conflict := false
		for _, o := range occurrences[1:] {
			if o.shape != occurrences[0].shape {
				conflict = true
				break
			}
		}
		if !conflict {
			continue
		}

		for n, o := range occurrences {
			field := result[o.index].(*ast.Field)
			if n == 0 {
				// Keep the first occurrence under its original key so the
				// common case (two identical shapes) needs no rewrite at all.
				continue
			}

			synthesized := fmt.Sprintf("rekey_%s_%s_%d", parentType, field.Name.String(), n)
			table[synthesized] = responseKey

			result[o.index] = &ast.Field{
				Alias: &ast.Name{
					Token: token.Token{Type: token.IDENT, Literal: synthesized},
					Value: synthesized,
				},
				Name:       field.Name,
				Arguments:  field.Arguments,
				Directives: field.Directives,
				SelectionSet: field.SelectionSet,
			}
		}
	}

	return result, table
}

// mergeRekeyTables combines per-step rekey tables produced while building a
// plan's steps into a single table keyed by synthesized alias, since
// synthesized aliases already embed the owning parent type and are unique
// across the whole plan.
func mergeRekeyTables(tables ...RekeyTable) RekeyTable {
	merged := make(RekeyTable)
	for _, t := range tables {
		for k, v := range t {
			merged[k] = v
		}
	}
	return merged
}
