package money

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"strconv"
)

// Amount is a monetary amount in minor currency units (e.g. paise).
// All balance arithmetic in the service happens on this type; fractional
// major-unit values are never stored or compared.
type Amount int64

var ErrInvalidAmount = errors.New("invalid amount")

// Parse converts a major-unit decimal string (e.g. "100.50" rupees) into
// minor units by multiplying by 100 and rounding to the nearest integer.
func Parse(s string) (Amount, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a number", ErrInvalidAmount, s)
	}
	return fromFloat(f)
}

// FromFloat converts a major-unit number into minor units.
func FromFloat(f float64) (Amount, error) {
	return fromFloat(f)
}

func fromFloat(f float64) (Amount, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%w: not a finite number", ErrInvalidAmount)
	}
	if f <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return Amount(math.Round(f * 100)), nil
}

// UnmarshalJSON accepts either a JSON number or a decimal string, both
// interpreted as a major-unit amount.
func (a *Amount) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) >= 2 && data[0] == '"' && data[len(data)-1] == '"' {
		data = data[1 : len(data)-1]
	}
	parsed, err := Parse(string(data))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Minor returns the raw minor-unit value.
func (a Amount) Minor() int64 {
	return int64(a)
}
