package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlasfit/automation/pkg/schema"
)

func validLeaf() schema.Node {
	return schema.LeafNode(schema.Condition{
		Field:    "trigger.lead.score",
		Type:     schema.FieldTypeNumber,
		Operator: schema.OpGreaterThan,
		Value:    float64(50),
	})
}

func TestValidateConditionTree_NilAndValid(t *testing.T) {
	assert.NoError(t, ValidateConditionTree(nil))

	tree := &schema.ConditionGroup{
		Operator: schema.GroupAnd,
		Conditions: []schema.Node{
			validLeaf(),
			schema.GroupNode(schema.ConditionGroup{
				Operator: schema.GroupNot,
				Conditions: []schema.Node{
					schema.LeafNode(schema.Condition{
						Field:    "trigger.lead.email",
						Type:     schema.FieldTypeString,
						Operator: schema.OpRegex,
						Value:    `@example\.com$`,
					}),
				},
			}),
		},
	}
	assert.NoError(t, ValidateConditionTree(tree))
}

func TestValidateConditionTree_UnknownGroupOperator(t *testing.T) {
	tree := &schema.ConditionGroup{
		Operator:   schema.GroupOperator("XOR"),
		Conditions: []schema.Node{validLeaf()},
	}
	err := ValidateConditionTree(tree)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "XOR")
}

func TestValidateConditionTree_OperatorTypeMismatch(t *testing.T) {
	tree := &schema.ConditionGroup{
		Operator: schema.GroupAnd,
		Conditions: []schema.Node{
			schema.LeafNode(schema.Condition{
				Field:    "trigger.lead.score",
				Type:     schema.FieldTypeNumber,
				Operator: schema.OpContains,
				Value:    float64(5),
			}),
		},
	}
	err := ValidateConditionTree(tree)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "contains")
}

func TestValidateConditionTree_BadBetweenAndRegex(t *testing.T) {
	tree := &schema.ConditionGroup{
		Operator: schema.GroupAnd,
		Conditions: []schema.Node{
			schema.LeafNode(schema.Condition{
				Field:    "trigger.lead.score",
				Type:     schema.FieldTypeNumber,
				Operator: schema.OpBetween,
				Value:    []any{float64(1)},
			}),
			schema.LeafNode(schema.Condition{
				Field:    "trigger.lead.email",
				Type:     schema.FieldTypeString,
				Operator: schema.OpRegex,
				Value:    `([`,
			}),
		},
	}
	err := ValidateConditionTree(tree)
	require.Error(t, err)

	var autoErr *schema.AutomationError
	require.ErrorAs(t, err, &autoErr)
	violations, ok := autoErr.Details["violations"].([]string)
	require.True(t, ok)
	assert.Len(t, violations, 2)
}

func TestValidateConditionTree_CustomNeedsExpression(t *testing.T) {
	tree := &schema.ConditionGroup{
		Operator: schema.GroupAnd,
		Conditions: []schema.Node{
			schema.LeafNode(schema.Condition{Type: schema.FieldTypeCustom, Value: 42}),
		},
	}
	assert.Error(t, ValidateConditionTree(tree))

	tree.Conditions[0].Leaf.Value = "trigger.lead.score > 10"
	assert.NoError(t, ValidateConditionTree(tree))
}

func TestValidateConditionTree_MissingFieldAndEmptyNode(t *testing.T) {
	tree := &schema.ConditionGroup{
		Operator: schema.GroupOr,
		Conditions: []schema.Node{
			schema.LeafNode(schema.Condition{
				Type:     schema.FieldTypeString,
				Operator: schema.OpEquals,
				Value:    "x",
			}),
			{},
		},
	}
	err := ValidateConditionTree(tree)
	require.Error(t, err)

	var autoErr *schema.AutomationError
	require.ErrorAs(t, err, &autoErr)
	violations := autoErr.Details["violations"].([]string)
	assert.Len(t, violations, 2)
}
