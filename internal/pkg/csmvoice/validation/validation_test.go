package validation_test

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"csmvoice/internal/pkg/csmvoice/apperr"
	"csmvoice/internal/pkg/csmvoice/validation"
)

type sampleBody struct {
	Name  *string  `json:"name" binding:"required"`
	Count *int     `json:"count" binding:"required"`
	MinP  *float64 `json:"min_p" binding:"omitempty,gte=0,lte=1"`
	Temp  float64  `json:"temperature" binding:"finite,gte=0"`
}

func TestStructListsMissingFields(t *testing.T) {
	t.Parallel()

	err := validation.Struct("test.op", sampleBody{})
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	assert.Equal(t, "missing required fields: name, count", apperr.Message(err))
}

func TestStructRangeRules(t *testing.T) {
	t.Parallel()

	name, count, zero, high := "x", 0, 0.0, 1.5

	assert.NoError(t, validation.Struct("test.op", sampleBody{Name: &name, Count: &count, MinP: &zero}))

	err := validation.Struct("test.op", sampleBody{Name: &name, Count: &count, MinP: &high, Temp: -1})
	require.Error(t, err)
	assert.Equal(t, "min_p must be <= 1; temperature must be >= 0", apperr.Message(err))

	err = validation.Struct("test.op", sampleBody{Name: &name, Count: &count, Temp: math.Inf(1)})
	require.Error(t, err)
	assert.Equal(t, "temperature must be a finite number", apperr.Message(err))
}

func TestErrorWrapsDecodeFailures(t *testing.T) {
	t.Parallel()

	err := validation.Error("test.op", errors.New("unexpected EOF"))
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	assert.Equal(t, "invalid request body: unexpected EOF", apperr.Message(err))
}
