package conditions

import (
	"log/slog"
	"time"

	"github.com/atlasfit/automation/pkg/schema"
)

// Evaluator walks condition trees against trigger contexts. It is stateless
// apart from its caches and safe for concurrent use.
type Evaluator struct {
	logger  *slog.Logger
	now     func() time.Time
	regexps *regexCache
	exprs   *ExprEngine
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithClock overrides the time source used by the days_ago operators.
func WithClock(now func() time.Time) Option {
	return func(e *Evaluator) {
		e.now = now
	}
}

// NewEvaluator creates a condition evaluator.
func NewEvaluator(logger *slog.Logger, opts ...Option) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Evaluator{
		logger:  logger,
		now:     time.Now,
		regexps: newRegexCache(),
		exprs:   NewExprEngine(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate reports whether the trigger context satisfies the condition tree.
// A nil tree means "no conditions configured" and always matches.
func (e *Evaluator) Evaluate(tree *schema.ConditionGroup, context map[string]any) bool {
	if tree == nil {
		return true
	}
	return e.evalGroup(tree, context)
}

func (e *Evaluator) evalGroup(g *schema.ConditionGroup, context map[string]any) bool {
	switch g.Operator {
	case schema.GroupAnd:
		for i := range g.Conditions {
			if !e.evalNode(&g.Conditions[i], context) {
				return false
			}
		}
		return true

	case schema.GroupOr:
		for i := range g.Conditions {
			if e.evalNode(&g.Conditions[i], context) {
				return true
			}
		}
		return false

	case schema.GroupNot:
		// "None of the following": true iff every child is false.
		for i := range g.Conditions {
			if e.evalNode(&g.Conditions[i], context) {
				return false
			}
		}
		return true

	default:
		e.logger.Warn("unknown group operator, treating as AND",
			slog.String("operator", string(g.Operator)),
		)
		for i := range g.Conditions {
			if !e.evalNode(&g.Conditions[i], context) {
				return false
			}
		}
		return true
	}
}

func (e *Evaluator) evalNode(n *schema.Node, context map[string]any) bool {
	if n.Group != nil {
		return e.evalGroup(n.Group, context)
	}
	if n.Leaf != nil {
		return e.evalLeaf(n.Leaf, context)
	}
	// Empty node from a malformed tree.
	e.logger.Warn("condition node has neither leaf nor group")
	return false
}

func (e *Evaluator) evalLeaf(c *schema.Condition, context map[string]any) bool {
	if c.Type == schema.FieldTypeCustom {
		return e.evalCustom(c, context)
	}
	value, found := Resolve(context, c.Field)
	return e.compare(c, value, found)
}

// evalCustom runs a custom-type condition's expression against the whole
// context. Non-boolean results and evaluation errors count as non-matches.
func (e *Evaluator) evalCustom(c *schema.Condition, context map[string]any) bool {
	expression, ok := c.Value.(string)
	if !ok || expression == "" {
		e.logger.Warn("custom condition value is not an expression string",
			slog.String("field", c.Field),
		)
		return false
	}

	out, err := e.exprs.Evaluate(expression, context)
	if err != nil {
		e.logger.Warn("custom condition evaluation failed",
			slog.String("expression", expression),
			slog.String("error", err.Error()),
		)
		return false
	}

	result, ok := out.(bool)
	if !ok {
		e.logger.Warn("custom condition did not return a boolean",
			slog.String("expression", expression),
		)
		return false
	}
	return result
}
