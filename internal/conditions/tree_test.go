package conditions

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlasfit/automation/pkg/schema"
)

func scoreAbove(threshold float64) schema.Node {
	return schema.LeafNode(schema.Condition{
		Field:    "trigger.lead.score",
		Type:     schema.FieldTypeNumber,
		Operator: schema.OpGreaterThan,
		Value:    threshold,
	})
}

func sourceIs(source string) schema.Node {
	return schema.LeafNode(schema.Condition{
		Field:    "trigger.lead.source",
		Type:     schema.FieldTypeString,
		Operator: schema.OpEquals,
		Value:    source,
	})
}

func leadContext(score float64, source string) map[string]any {
	return map[string]any{
		"trigger": map[string]any{
			"lead": map[string]any{
				"score":  score,
				"source": source,
			},
		},
	}
}

func TestEvaluate_NilTreeMatches(t *testing.T) {
	e := quietEvaluator()
	assert.True(t, e.Evaluate(nil, nil))
	assert.True(t, e.Evaluate(nil, leadContext(0, "")))
}

func TestEvaluate_VacuousGroups(t *testing.T) {
	e := quietEvaluator()
	ctx := leadContext(10, "web")

	assert.True(t, e.Evaluate(&schema.ConditionGroup{Operator: schema.GroupAnd}, ctx))
	assert.False(t, e.Evaluate(&schema.ConditionGroup{Operator: schema.GroupOr}, ctx))
	assert.True(t, e.Evaluate(&schema.ConditionGroup{Operator: schema.GroupNot}, ctx))
}

func TestEvaluate_AndOr(t *testing.T) {
	e := quietEvaluator()

	and := &schema.ConditionGroup{
		Operator:   schema.GroupAnd,
		Conditions: []schema.Node{scoreAbove(50), sourceIs("referral")},
	}
	assert.True(t, e.Evaluate(and, leadContext(75, "referral")))
	assert.False(t, e.Evaluate(and, leadContext(75, "walk-in")))
	assert.False(t, e.Evaluate(and, leadContext(40, "referral")))

	or := &schema.ConditionGroup{
		Operator:   schema.GroupOr,
		Conditions: []schema.Node{scoreAbove(50), sourceIs("referral")},
	}
	assert.True(t, e.Evaluate(or, leadContext(40, "referral")))
	assert.True(t, e.Evaluate(or, leadContext(75, "walk-in")))
	assert.False(t, e.Evaluate(or, leadContext(40, "walk-in")))
}

func TestEvaluate_NotIsNoneOf(t *testing.T) {
	e := quietEvaluator()

	not := &schema.ConditionGroup{
		Operator:   schema.GroupNot,
		Conditions: []schema.Node{scoreAbove(50), sourceIs("referral")},
	}

	// True only when every child is false.
	assert.True(t, e.Evaluate(not, leadContext(40, "walk-in")))
	assert.False(t, e.Evaluate(not, leadContext(75, "walk-in")))
	assert.False(t, e.Evaluate(not, leadContext(40, "referral")))
	assert.False(t, e.Evaluate(not, leadContext(75, "referral")))
}

func TestEvaluate_NestedGroups(t *testing.T) {
	e := quietEvaluator()

	// score > 50 AND (source == "referral" OR source == "web")
	tree := &schema.ConditionGroup{
		Operator: schema.GroupAnd,
		Conditions: []schema.Node{
			scoreAbove(50),
			schema.GroupNode(schema.ConditionGroup{
				Operator:   schema.GroupOr,
				Conditions: []schema.Node{sourceIs("referral"), sourceIs("web")},
			}),
		},
	}

	assert.True(t, e.Evaluate(tree, leadContext(75, "web")))
	assert.True(t, e.Evaluate(tree, leadContext(75, "referral")))
	assert.False(t, e.Evaluate(tree, leadContext(75, "walk-in")))
	assert.False(t, e.Evaluate(tree, leadContext(40, "web")))
}

func TestEvaluate_UnknownGroupOperatorFallsBackToAnd(t *testing.T) {
	e := quietEvaluator()

	tree := &schema.ConditionGroup{
		Operator:   schema.GroupOperator("XOR"),
		Conditions: []schema.Node{scoreAbove(50), sourceIs("referral")},
	}

	assert.True(t, e.Evaluate(tree, leadContext(75, "referral")))
	assert.False(t, e.Evaluate(tree, leadContext(75, "walk-in")))
}

func TestEvaluate_TreeFromJSON(t *testing.T) {
	e := quietEvaluator()

	raw := `{
		"operator": "AND",
		"conditions": [
			{"field": "trigger.lead.score", "type": "number", "operator": "greater_than", "value": 50},
			{
				"operator": "NOT",
				"conditions": [
					{"field": "trigger.lead.source", "type": "string", "operator": "equals", "value": "spam"}
				]
			}
		]
	}`

	var tree schema.ConditionGroup
	require.NoError(t, json.Unmarshal([]byte(raw), &tree))

	assert.True(t, e.Evaluate(&tree, leadContext(75, "referral")))
	assert.False(t, e.Evaluate(&tree, leadContext(75, "spam")))
	assert.False(t, e.Evaluate(&tree, leadContext(40, "referral")))
}

func TestEvaluate_CustomCondition(t *testing.T) {
	e := quietEvaluator()

	tree := &schema.ConditionGroup{
		Operator: schema.GroupAnd,
		Conditions: []schema.Node{
			schema.LeafNode(schema.Condition{
				Type:  schema.FieldTypeCustom,
				Value: `trigger.lead.score > 50 and trigger.lead.source == "referral"`,
			}),
		},
	}

	assert.True(t, e.Evaluate(tree, leadContext(75, "referral")))
	assert.False(t, e.Evaluate(tree, leadContext(75, "walk-in")))
}

func TestEvaluate_CustomConditionNonBooleanIsFalse(t *testing.T) {
	e := quietEvaluator()

	tree := &schema.ConditionGroup{
		Operator: schema.GroupAnd,
		Conditions: []schema.Node{
			schema.LeafNode(schema.Condition{
				Type:  schema.FieldTypeCustom,
				Value: `trigger.lead.score + 1`,
			}),
		},
	}
	assert.False(t, e.Evaluate(tree, leadContext(75, "referral")))

	tree.Conditions[0].Leaf.Value = 42
	assert.False(t, e.Evaluate(tree, leadContext(75, "referral")), "non-string expression value is a non-match")
}

func TestEvaluate_EmptyNodeIsFalse(t *testing.T) {
	e := quietEvaluator()

	tree := &schema.ConditionGroup{
		Operator:   schema.GroupAnd,
		Conditions: []schema.Node{{}},
	}
	assert.False(t, e.Evaluate(tree, leadContext(75, "referral")))
}
