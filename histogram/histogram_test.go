package histogram

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFillUnderflowOverflow(t *testing.T) {
	h := New(4)
	h.Fill(-1)
	h.Fill(0)
	h.Fill(3)
	h.Fill(4)
	h.Fill(100)

	assert.Equal(t, int64(1), h.Underflow())
	assert.Equal(t, int64(2), h.Overflow())
	assert.Equal(t, int64(2), h.Integral())
	assert.Equal(t, int64(5), h.Entries())
	assert.Equal(t, []int64{1, 0, 0, 1}, h.Values())
	assert.Equal(t, int64(0), h.Bin(-1))
	assert.Equal(t, int64(0), h.Bin(4))
}

func TestMeanVarianceInvalidation(t *testing.T) {
	h := New(8)
	h.FillWeight(1, 2)
	h.FillWeight(3, 2)
	h.Fill(20) // overflow is excluded from statistics

	assert.InDelta(t, 2.0, h.Mean(), 1e-9)
	assert.InDelta(t, 1.0, h.Variance(), 1e-9)

	h.FillWeight(5, 4)
	assert.InDelta(t, 3.5, h.Mean(), 1e-9)

	h.Remove(5)
	h.Remove(5)
	h.Remove(5)
	h.Remove(5)
	assert.InDelta(t, 2.0, h.Mean(), 1e-9)
}

func TestEmptyHistogramStatistics(t *testing.T) {
	h := New(8)
	assert.Zero(t, h.Mean())
	assert.Zero(t, h.Variance())
	assert.Empty(t, h.String())
}

func TestIntegralRange(t *testing.T) {
	h := New(10)
	for i := 0; i < 10; i++ {
		h.FillWeight(i, int64(i))
	}
	assert.Equal(t, int64(45), h.Integral())
	assert.Equal(t, int64(2+3+4), h.IntegralRange(2, 4))
	assert.Equal(t, int64(45), h.IntegralRange(-5, 50))
	assert.Equal(t, int64(0), h.IntegralRange(5, 4))
}

func TestMerge(t *testing.T) {
	a := NewWithErrors(4)
	b := NewWithErrors(4)
	a.FillWeight(1, 3)
	b.FillWeight(1, 4)
	b.Fill(-2)
	b.Fill(9)

	require.NoError(t, a.Merge(b))
	assert.Equal(t, int64(7), a.Bin(1))
	assert.Equal(t, int64(1), a.Underflow())
	assert.Equal(t, int64(1), a.Overflow())
	assert.InDelta(t, 5.0, a.BinError(1), 1e-9)

	err := a.Merge(New(5))
	assert.ErrorIs(t, err, ErrBinMismatch)
}

func TestErrorsDisabled(t *testing.T) {
	h := New(2)
	h.FillWeight(0, 5)
	assert.Zero(t, h.BinError(0))
	assert.Zero(t, h.OverflowError())
}

func TestFillCountsAndClone(t *testing.T) {
	h := New(4)
	h.FillCounts([]int64{0, 2, 0, 5})
	c := h.Clone()
	h.Clear()

	assert.Equal(t, int64(0), h.Integral())
	assert.Equal(t, []int64{0, 2, 0, 5}, c.Values())
	assert.Equal(t, int64(7), c.Integral())
}

func TestNewPanicsOnZeroBins(t *testing.T) {
	assert.Panics(t, func() { New(0) })
}
