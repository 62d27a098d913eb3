package upstream

import "math"

// CtoF converts Celsius to Fahrenheit without rounding.
func CtoF(c float64) float64 {
	return c*9/5 + 32
}

// FtoC converts Fahrenheit to Celsius without rounding.
func FtoC(f float64) float64 {
	return (f - 32) * 5 / 9
}

// CtoFRounded is the outbound conversion; the remote side only accepts whole degrees.
func CtoFRounded(c float64) int {
	return int(math.Round(CtoF(c)))
}
