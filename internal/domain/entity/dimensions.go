package entity

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/sigma/errs"
)

// Dimension names shared by the option-chain jobs.
const (
	DimExpiry = "expiry"
	DimStrike = "strike"
	DimSide   = "side"
	DimAction = "action"
)

const monthLayout = "200601"

// maxStrikes bounds a strike ladder so a typo in the config cannot enumerate millions of contracts.
const maxStrikes = 10000

// Months returns contract months base+relStart .. base+relStart+count-1 in YYYYMM form.
func Months(base time.Time, relStart, count int) (Dimension, error) {
	if count <= 0 {
		return Dimension{}, errs.InvalidDimension(DimExpiry, "monthsAhead must be positive")
	}
	if relStart < 0 {
		return Dimension{}, errs.InvalidDimension(DimExpiry, "relative start month must be >= 0")
	}
	// normalise to the first of the month so AddDate never skips a short month
	first := time.Date(base.Year(), base.Month(), 1, 0, 0, 0, 0, time.UTC)
	values := make([]string, 0, count)
	for i := 0; i < count; i++ {
		values = append(values, first.AddDate(0, relStart+i, 0).Format(monthLayout))
	}
	return Dimension{Name: DimExpiry, Values: values}, nil
}

// MonthList validates an explicit list of YYYYMM contract months.
func MonthList(months ...string) (Dimension, error) {
	if len(months) == 0 {
		return Dimension{}, errs.InvalidDimension(DimExpiry, "month list is empty")
	}
	values := make([]string, 0, len(months))
	for _, m := range months {
		trimmed := strings.TrimSpace(m)
		if _, err := time.Parse(monthLayout, trimmed); err != nil {
			return Dimension{}, errs.InvalidDimension(DimExpiry, "month "+trimmed+" is not YYYYMM")
		}
		values = append(values, trimmed)
	}
	return Dimension{Name: DimExpiry, Values: values}, nil
}

// Strikes steps from `from` (inclusive) towards `to` (exclusive).
func Strikes(from, to, step decimal.Decimal) (Dimension, error) {
	if !step.IsPositive() {
		return Dimension{}, errs.InvalidDimension(DimStrike, "strike step must be positive")
	}
	if from.IsNegative() {
		return Dimension{}, errs.InvalidDimension(DimStrike, "strikeFrom must be >= 0")
	}
	if !to.GreaterThan(from) {
		return Dimension{}, errs.InvalidDimension(DimStrike, "strike range is empty")
	}
	count := to.Sub(from).Div(step).Ceil().IntPart()
	if count > maxStrikes {
		return Dimension{}, errs.InvalidDimension(DimStrike, "strike range too large")
	}
	values := make([]string, 0, count)
	for k := from; k.LessThan(to); k = k.Add(step) {
		values = append(values, k.String())
	}
	return Dimension{Name: DimStrike, Values: values}, nil
}

// Sides returns the option right dimension. With no arguments it yields calls then puts.
func Sides(rights ...string) (Dimension, error) {
	if len(rights) == 0 {
		rights = []string{"C", "P"}
	}
	values := make([]string, 0, len(rights))
	for _, r := range rights {
		switch v := strings.ToUpper(strings.TrimSpace(r)); v {
		case "C", "CALL":
			values = append(values, "C")
		case "P", "PUT":
			values = append(values, "P")
		default:
			return Dimension{}, errs.InvalidDimension(DimSide, "unknown option right "+r)
		}
	}
	return Dimension{Name: DimSide, Values: values}, nil
}

// Enum builds an arbitrary categorical dimension.
func Enum(name string, values ...string) Dimension {
	return Dimension{Name: name, Values: append([]string(nil), values...)}
}
