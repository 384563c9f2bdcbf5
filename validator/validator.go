package validator

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/eddielth/efergy-bridge/parser"
)

// MaxConsumptionWatts is the sanity ceiling for a reading. The sensor
// reports radio noise as absurdly large values; anything at or above this
// is dropped.
const MaxConsumptionWatts = 10000

// ErrOutOfRange marks a reading outside the accepted range. It is expected
// noise, not a failure.
var ErrOutOfRange = errors.New("reading out of range")

// NumericParseError reports a value field that is not a number.
type NumericParseError struct {
	Value string
	Err   error
}

func (e *NumericParseError) Error() string {
	return fmt.Sprintf("value %q is not numeric: %v", e.Value, e.Err)
}

func (e *NumericParseError) Unwrap() error { return e.Err }

// Reading is one validated consumption sample.
type Reading struct {
	ConsumptionWatts float64
}

// RangeValidator accepts values v with Min <= v < Max.
type RangeValidator struct {
	Min float64
	Max float64
}

// Default returns the validator used by the bridge: [0, 10000) watts.
func Default() *RangeValidator {
	return &RangeValidator{Min: 0, Max: MaxConsumptionWatts}
}

// Validate turns the value field of rec into a Reading rounded to two
// decimal places. The range check applies to the rounded value.
func (rv *RangeValidator) Validate(rec parser.Record) (Reading, error) {
	if len(rec.Fields) != parser.FieldCount {
		return Reading{}, fmt.Errorf("record has %d fields, want %d", len(rec.Fields), parser.FieldCount)
	}

	raw := strings.TrimSpace(rec.Value())
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return Reading{}, &NumericParseError{Value: raw, Err: err}
	}

	value = Round2(value)
	if value == 0 {
		value = 0 // drop the sign of -0
	}

	// NaN fails both comparisons and is dropped here too.
	if !(value >= rv.Min && value < rv.Max) {
		return Reading{}, fmt.Errorf("%w: %v not in [%v, %v)", ErrOutOfRange, value, rv.Min, rv.Max)
	}

	return Reading{ConsumptionWatts: value}, nil
}

// Round2 rounds v to two decimal places. The exact binary value of v is
// rounded, with ties going to the even digit, so 2.625 becomes 2.62 and
// 1.005 (stored just below the half) becomes 1.
func Round2(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return v
	}
	rounded, err := strconv.ParseFloat(strconv.FormatFloat(v, 'f', 2, 64), 64)
	if err != nil {
		return v
	}
	return rounded
}
