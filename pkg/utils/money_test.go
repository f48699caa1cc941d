package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestToPaise(t *testing.T) {
	cases := []struct {
		rupees float64
		want   int64
	}{
		{2500.55, 250055},
		{2500.554, 250055},
		{2500.555, 250056}, // half rounds away from zero
		{-2500.555, -250056},
		{0, 0},
		{0.01, 1},
		{-0.005, -1},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ToPaise(tc.rupees), "rupees %v", tc.rupees)
	}
}

func TestToRupees(t *testing.T) {
	assert.Equal(t, 2500.55, ToRupees(250055))
	assert.Equal(t, -12.5, ToRupees(-1250))
}

func TestFormatPaise(t *testing.T) {
	assert.Equal(t, "₹2500.55", FormatPaise(250055))
	assert.Equal(t, "₹0.05", FormatPaise(5))
	assert.Equal(t, "-₹12.50", FormatPaise(-1250))
	assert.Equal(t, "₹0.00", FormatPaise(0))
}

func TestProRata(t *testing.T) {
	assert.Equal(t, int64(5000), ProRata(10000, 50, 100))
	assert.Equal(t, int64(3333), ProRata(10000, 1, 3), "rounds toward zero")
	assert.Equal(t, int64(10000), ProRata(10000, 100, 100))
	assert.Zero(t, ProRata(10000, 0, 100))
	assert.Zero(t, ProRata(10000, 50, 0), "zero whole yields zero, not a panic")
}
