// Package utils provides small shared helpers.
package utils

import (
	"fmt"
	"math"
)

// ToPaise converts a rupee amount from the market-data boundary into
// fixed-point paise, rounding half away from zero.
func ToPaise(rupees float64) int64 {
	return int64(math.Round(rupees * 100))
}

// ToRupees converts paise back to rupees for display.
func ToRupees(paise int64) float64 {
	return float64(paise) / 100
}

// FormatPaise renders a paise amount as a rupee string.
func FormatPaise(paise int64) string {
	sign := ""
	if paise < 0 {
		sign = "-"
		paise = -paise
	}
	return fmt.Sprintf("%s₹%d.%02d", sign, paise/100, paise%100)
}

// ProRata splits amount proportionally as part/whole, rounding toward zero.
// whole must be non-zero.
func ProRata(amount, part, whole int64) int64 {
	if whole == 0 {
		return 0
	}
	return amount * part / whole
}
