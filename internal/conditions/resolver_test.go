package conditions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve_NestedPaths(t *testing.T) {
	ctx := map[string]any{
		"trigger": map[string]any{
			"lead": map[string]any{
				"score":  float64(75),
				"source": "referral",
			},
		},
	}

	v, found := Resolve(ctx, "trigger.lead.score")
	require.True(t, found)
	assert.Equal(t, float64(75), v)

	v, found = Resolve(ctx, "trigger.lead.source")
	require.True(t, found)
	assert.Equal(t, "referral", v)
}

func TestResolve_ArrayIndexSegments(t *testing.T) {
	ctx := map[string]any{
		"items": []any{
			map[string]any{"name": "day-pass"},
			map[string]any{"name": "membership"},
		},
	}

	v, found := Resolve(ctx, "items.1.name")
	require.True(t, found)
	assert.Equal(t, "membership", v)

	_, found = Resolve(ctx, "items.2.name")
	assert.False(t, found, "out-of-range index resolves to not found")

	_, found = Resolve(ctx, "items.first.name")
	assert.False(t, found, "non-numeric segment on array resolves to not found")
}

func TestResolve_MissingSegments(t *testing.T) {
	ctx := map[string]any{
		"trigger": map[string]any{"lead": map[string]any{"score": 1}},
	}

	_, found := Resolve(ctx, "trigger.member.score")
	assert.False(t, found)

	_, found = Resolve(ctx, "trigger.lead.score.extra")
	assert.False(t, found, "path continuing past a scalar resolves to not found")

	_, found = Resolve(ctx, "")
	assert.False(t, found)

	_, found = Resolve(nil, "trigger")
	assert.False(t, found)
}

func TestResolve_NullValueIsFound(t *testing.T) {
	ctx := map[string]any{"trigger": map[string]any{"note": nil}}

	v, found := Resolve(ctx, "trigger.note")
	assert.True(t, found, "explicit null is present, just nil")
	assert.Nil(t, v)
}
