package conditions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlasfit/automation/pkg/schema"
)

func TestExprEngine_Evaluate(t *testing.T) {
	e := NewExprEngine()

	out, err := e.Evaluate(`score > 50`, map[string]any{"score": 75})
	require.NoError(t, err)
	assert.Equal(t, true, out)

	out, err = e.Evaluate(`score > 50`, map[string]any{"score": 10})
	require.NoError(t, err)
	assert.Equal(t, false, out)
}

func TestExprEngine_UndefinedVariablesAllowed(t *testing.T) {
	e := NewExprEngine()

	out, err := e.Evaluate(`missing == nil`, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestExprEngine_ArrayHelpers(t *testing.T) {
	e := NewExprEngine()

	out, err := e.Evaluate(`len(filter(items, .price > 20)) == 1`, map[string]any{
		"items": []any{
			map[string]any{"price": 10},
			map[string]any{"price": 30},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestExprEngine_EmptyExpression(t *testing.T) {
	e := NewExprEngine()

	_, err := e.Evaluate("", nil)
	require.Error(t, err)
	var autoErr *schema.AutomationError
	require.ErrorAs(t, err, &autoErr)
	assert.Equal(t, schema.ErrCodeValidation, autoErr.Code)
}

func TestExprEngine_CompileErrorHasCode(t *testing.T) {
	e := NewExprEngine()

	_, err := e.Evaluate(`score >`, map[string]any{"score": 1})
	require.Error(t, err)
	var autoErr *schema.AutomationError
	require.ErrorAs(t, err, &autoErr)
	assert.Equal(t, schema.ErrCodeValidation, autoErr.Code)
}

func TestExprEngine_CachesPrograms(t *testing.T) {
	e := NewExprEngine()

	_, err := e.Evaluate(`score > 1`, map[string]any{"score": 2})
	require.NoError(t, err)
	assert.Len(t, e.cache, 1)

	_, err = e.Evaluate(`score > 1`, map[string]any{"score": 0})
	require.NoError(t, err)
	assert.Len(t, e.cache, 1, "second run reuses the compiled program")
}
