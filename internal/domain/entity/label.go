package entity

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Instrument is the contract template shared by every descriptor of a chain.
type Instrument struct {
	Symbol            string `json:"symbol"`
	SecType           string `json:"secType"`
	Exchange          string `json:"exchange"`
	Currency          string `json:"currency"`
	TradingClass      string `json:"tradingClass"`
	Multiplier        string `json:"multiplier"`
	UnderlyingSecType string `json:"underlyingSecType"`
}

// Label renders the human-readable instrument name used in exported rows,
// e.g. "CL FOP (LO) Feb'19 40 CALL @NYMEX".
func Label(inst Instrument, d Descriptor) string {
	var b strings.Builder
	b.WriteString(inst.Symbol)
	b.WriteByte(' ')
	b.WriteString(inst.SecType)
	if inst.TradingClass != "" {
		b.WriteString(" (")
		b.WriteString(inst.TradingClass)
		b.WriteByte(')')
	}
	if expiry, ok := d.Get(DimExpiry); ok {
		b.WriteByte(' ')
		b.WriteString(formatMonth(expiry))
	}
	if strike, ok := d.Get(DimStrike); ok {
		b.WriteByte(' ')
		b.WriteString(formatStrike(strike))
	}
	if side, ok := d.Get(DimSide); ok {
		b.WriteByte(' ')
		b.WriteString(rightName(side))
	}
	if inst.Exchange != "" {
		b.WriteString(" @")
		b.WriteString(inst.Exchange)
	}
	return b.String()
}

func formatMonth(yyyymm string) string {
	t, err := time.Parse(monthLayout, yyyymm)
	if err != nil {
		return yyyymm
	}
	return t.Format("Jan'06")
}

func formatStrike(raw string) string {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return raw
	}
	return d.String()
}

func rightName(side string) string {
	switch strings.ToUpper(side) {
	case "C":
		return "CALL"
	case "P":
		return "PUT"
	default:
		return side
	}
}
