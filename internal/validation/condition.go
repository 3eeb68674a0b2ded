package validation

import (
	"fmt"
	"regexp"

	"github.com/atlasfit/automation/pkg/schema"
)

// ValidateConditionTree checks a condition tree for structural problems the
// evaluator would otherwise silently turn into non-matches: unknown operators,
// operator/type mismatches, malformed between ranges, and broken regex
// patterns. A nil tree is valid (no conditions configured).
func ValidateConditionTree(tree *schema.ConditionGroup) error {
	if tree == nil {
		return nil
	}
	var violations []string
	walkGroup(tree, "", &violations)

	switch len(violations) {
	case 0:
		return nil
	case 1:
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	default:
		return schema.NewErrorf(schema.ErrCodeValidation,
			"condition tree has %d problems", len(violations)).
			WithDetails(map[string]any{"violations": violations})
	}
}

func walkGroup(g *schema.ConditionGroup, path string, violations *[]string) {
	switch g.Operator {
	case schema.GroupAnd, schema.GroupOr, schema.GroupNot:
	default:
		*violations = append(*violations,
			fmt.Sprintf("%s: unknown group operator %q", orRoot(path), g.Operator))
	}

	for i := range g.Conditions {
		childPath := fmt.Sprintf("%s/conditions/%d", path, i)
		node := &g.Conditions[i]
		switch {
		case node.Group != nil:
			walkGroup(node.Group, childPath, violations)
		case node.Leaf != nil:
			checkLeaf(node.Leaf, childPath, violations)
		default:
			*violations = append(*violations,
				fmt.Sprintf("%s: node is neither condition nor group", childPath))
		}
	}
}

func checkLeaf(c *schema.Condition, path string, violations *[]string) {
	if c.Type == schema.FieldTypeCustom {
		expr, ok := c.Value.(string)
		if !ok || expr == "" {
			*violations = append(*violations,
				fmt.Sprintf("%s: custom condition needs a non-empty expression string", path))
		}
		return
	}

	if c.Field == "" {
		*violations = append(*violations, fmt.Sprintf("%s: field is required", path))
	}
	if _, known := schema.OperatorsForType[c.Type]; !known {
		*violations = append(*violations,
			fmt.Sprintf("%s: unknown field type %q", path, c.Type))
		return
	}
	if !schema.OperatorAllowed(c.Type, c.Operator) {
		*violations = append(*violations,
			fmt.Sprintf("%s: operator %q is not valid for type %q", path, c.Operator, c.Type))
		return
	}

	switch c.Operator {
	case schema.OpBetween:
		pair, ok := c.Value.([]any)
		if !ok || len(pair) != 2 {
			*violations = append(*violations,
				fmt.Sprintf("%s: between needs a two-element range", path))
		}
	case schema.OpRegex:
		pattern, ok := c.Value.(string)
		if !ok {
			*violations = append(*violations,
				fmt.Sprintf("%s: regex needs a pattern string", path))
			return
		}
		if _, err := regexp.Compile(pattern); err != nil {
			*violations = append(*violations,
				fmt.Sprintf("%s: invalid regex %q: %s", path, pattern, err))
		}
	}
}

func orRoot(path string) string {
	if path == "" {
		return "/"
	}
	return path
}
