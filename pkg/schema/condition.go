package schema

import (
	"bytes"
	"encoding/json"
)

// FieldType is the declared type of a condition's field. It scopes the set
// of operators the condition may use.
type FieldType string

const (
	FieldTypeString  FieldType = "string"
	FieldTypeNumber  FieldType = "number"
	FieldTypeBoolean FieldType = "boolean"
	FieldTypeDate    FieldType = "date"
	FieldTypeArray   FieldType = "array"
	// FieldTypeCustom marks a condition whose value is an expression
	// evaluated against the whole trigger context instead of a single field.
	FieldTypeCustom FieldType = "custom"
)

// GroupOperator combines the results of a group's children.
type GroupOperator string

const (
	GroupAnd GroupOperator = "AND"
	GroupOr  GroupOperator = "OR"
	// GroupNot is "NONE of the following": true iff no child is true.
	GroupNot GroupOperator = "NOT"
)

// Operator is a typed field comparison.
type Operator string

const (
	OpEquals             Operator = "equals"
	OpNotEquals          Operator = "not_equals"
	OpContains           Operator = "contains"
	OpNotContains        Operator = "not_contains"
	OpStartsWith         Operator = "starts_with"
	OpEndsWith           Operator = "ends_with"
	OpRegex              Operator = "regex"
	OpGreaterThan        Operator = "greater_than"
	OpGreaterThanOrEqual Operator = "greater_than_or_equal"
	OpLessThan           Operator = "less_than"
	OpLessThanOrEqual    Operator = "less_than_or_equal"
	OpBetween            Operator = "between"
	OpBefore             Operator = "before"
	OpAfter              Operator = "after"
	OpDaysAgoLessThan    Operator = "days_ago_less_than"
	OpDaysAgoGreaterThan Operator = "days_ago_greater_than"
	OpIsEmpty            Operator = "is_empty"
	OpIsNotEmpty         Operator = "is_not_empty"
)

// OperatorsForType scopes the operator set by declared field type.
var OperatorsForType = map[FieldType][]Operator{
	FieldTypeString: {
		OpEquals, OpNotEquals, OpContains, OpNotContains,
		OpStartsWith, OpEndsWith, OpRegex, OpIsEmpty, OpIsNotEmpty,
	},
	FieldTypeNumber: {
		OpEquals, OpNotEquals, OpGreaterThan, OpGreaterThanOrEqual,
		OpLessThan, OpLessThanOrEqual, OpBetween, OpIsEmpty, OpIsNotEmpty,
	},
	FieldTypeBoolean: {
		OpEquals, OpNotEquals,
	},
	FieldTypeDate: {
		OpEquals, OpNotEquals, OpBefore, OpAfter, OpBetween,
		OpDaysAgoLessThan, OpDaysAgoGreaterThan, OpIsEmpty, OpIsNotEmpty,
	},
	FieldTypeArray: {
		OpContains, OpNotContains, OpIsEmpty, OpIsNotEmpty,
	},
}

// OperatorAllowed reports whether op is valid for the given field type.
func OperatorAllowed(t FieldType, op Operator) bool {
	for _, allowed := range OperatorsForType[t] {
		if allowed == op {
			return true
		}
	}
	return false
}

// Condition is a single typed field/operator/value comparison.
// Field is a dotted path into the trigger context (e.g. "trigger.lead.score").
// For FieldTypeCustom, Value holds an expression evaluated against the
// context and Field/Operator are ignored.
type Condition struct {
	Field    string    `json:"field"`
	Type     FieldType `json:"type"`
	Operator Operator  `json:"operator,omitempty"`
	Value    any       `json:"value,omitempty"`
}

// ConditionGroup is a boolean combinator over child conditions and groups.
// Trees are authored once as workflow configuration and are immutable at
// evaluation time.
type ConditionGroup struct {
	Operator   GroupOperator `json:"operator"`
	Conditions []Node        `json:"conditions"`
}

// Node is the tagged union of a leaf Condition and a nested ConditionGroup.
// Exactly one of Leaf or Group is non-nil.
type Node struct {
	Leaf  *Condition
	Group *ConditionGroup
}

// LeafNode wraps a Condition as a tree node.
func LeafNode(c Condition) Node {
	return Node{Leaf: &c}
}

// GroupNode wraps a ConditionGroup as a tree node.
func GroupNode(g ConditionGroup) Node {
	return Node{Group: &g}
}

// MarshalJSON encodes the wrapped value directly, so the wire shape matches
// the authoring UI's JSON: groups carry "conditions", leaves carry "field".
func (n Node) MarshalJSON() ([]byte, error) {
	if n.Group != nil {
		return json.Marshal(n.Group)
	}
	return json.Marshal(n.Leaf)
}

// UnmarshalJSON decodes a node, discriminating on the presence of a
// "conditions" key: objects with one are groups, everything else is a leaf.
func (n *Node) UnmarshalJSON(data []byte) error {
	var probe struct {
		Conditions *json.RawMessage `json:"conditions"`
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&probe); err != nil {
		return err
	}
	if probe.Conditions != nil {
		g := &ConditionGroup{}
		if err := json.Unmarshal(data, g); err != nil {
			return err
		}
		n.Group = g
		n.Leaf = nil
		return nil
	}
	c := &Condition{}
	if err := json.Unmarshal(data, c); err != nil {
		return err
	}
	n.Leaf = c
	n.Group = nil
	return nil
}
