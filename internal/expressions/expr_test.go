package expressions

import (
	"context"
	"sync"
	"testing"

	"github.com/rendis/leadflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewExprEngine(t *testing.T) {
	e := NewExprEngine()
	assert.NotNil(t, e)
	assert.Equal(t, "expr", e.Name())
}

func TestExpr_PlaceFilter(t *testing.T) {
	e := NewExprEngine()
	place := map[string]any{
		"rating":      4.7,
		"reviewCount": 230,
		"types":       []any{"cafe", "bakery"},
		"name":        "Tartine",
	}

	tests := []struct {
		name string
		expr string
		want bool
	}{
		{"numeric", `rating >= 4.5 && reviewCount < 300`, true},
		{"membership", `"bakery" in types`, true},
		{"string op", `name startsWith "Tar"`, true},
		{"failing", `reviewCount > 1000`, false},
		{"nil coalescing", `(openNow ?? true) == true`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := EvaluateBool(context.Background(), e, tt.expr, place)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestExpr_UndefinedVariableIsNil(t *testing.T) {
	e := NewExprEngine()
	out, err := e.Evaluate(context.Background(), `website`, map[string]any{"name": "x"})
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestExpr_CachedProgramAcrossShapes(t *testing.T) {
	e := NewExprEngine()

	out, err := e.Evaluate(context.Background(), `rating > 4`, map[string]any{"rating": 4.5})
	require.NoError(t, err)
	assert.Equal(t, true, out)

	out, err = e.Evaluate(context.Background(), `rating > 4`, map[string]any{"rating": 3, "extra": "x"})
	require.NoError(t, err)
	assert.Equal(t, false, out)

	e.mu.RLock()
	defer e.mu.RUnlock()
	assert.Equal(t, 1, e.programs.len())
}

func TestExpr_Errors(t *testing.T) {
	e := NewExprEngine()

	_, err := e.Evaluate(context.Background(), "", nil)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))

	_, err = e.Evaluate(context.Background(), "rating >=", nil)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))

	_, err = EvaluateBool(context.Background(), e, `rating`, map[string]any{"rating": 4.0})
	assert.True(t, schema.IsValidation(err))
}

func TestExpr_NilData(t *testing.T) {
	e := NewExprEngine()
	out, err := e.Evaluate(context.Background(), `1 + 1`, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, out)
}

func TestExpr_Concurrent(t *testing.T) {
	e := NewExprEngine()

	var wg sync.WaitGroup
	errs := make([]error, 100)
	results := make([]any, 100)
	for i := range 100 {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			results[idx], errs[idx] = e.Evaluate(context.Background(), `val >= 0`, map[string]any{"val": idx})
		}(i)
	}
	wg.Wait()

	for i := range 100 {
		assert.NoError(t, errs[i], "goroutine %d should not error", i)
		assert.Equal(t, true, results[i], "goroutine %d should return true", i)
	}
}
