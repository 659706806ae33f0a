package fake

import (
	"hash/fnv"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/coachpo/sigma/internal/infra/gateway"
)

var (
	underlyingPrice = decimal.NewFromInt(50)
	halfTick        = decimal.RequireFromString("0.01")
	minPremium      = decimal.RequireFromString("0.05")
	marginRate      = decimal.RequireFromString("0.15")
	contractSize    = decimal.NewFromInt(1000)
)

// Quotes answers every request kind with plausible, deterministic values.
// Option quotes price off a fixed underlying of 50.
func Quotes() Responder {
	return func(req gateway.Request) []gateway.Event {
		switch req.Kind {
		case gateway.KindContract:
			return contractDetails(req)
		case gateway.KindWhatIf:
			return whatIf(req)
		default:
			return quote(req)
		}
	}
}

// Silent never answers. Requests sent to it end up Incomplete.
func Silent() Responder {
	return func(gateway.Request) []gateway.Event { return nil }
}

// Reject answers every request with a broker error carrying its id.
func Reject(code int, message string) Responder {
	return func(req gateway.Request) []gateway.Event {
		return []gateway.Event{{Kind: gateway.EventError, ID: req.ID, Code: code, Message: message}}
	}
}

// Only applies r to requests accepted by match and stays silent otherwise.
func Only(match func(gateway.Request) bool, r Responder) Responder {
	return func(req gateway.Request) []gateway.Event {
		if match(req) {
			return r(req)
		}
		return nil
	}
}

func field(id int64, name, value string) gateway.Event {
	return gateway.Event{Kind: gateway.EventField, ID: id, Field: name, Value: value}
}

func premium(c gateway.Contract) decimal.Decimal {
	strike, err := decimal.NewFromString(c.Strike)
	if err != nil || c.Right == "" {
		return underlyingPrice
	}
	intrinsic := underlyingPrice.Sub(strike)
	if c.Right == "P" {
		intrinsic = intrinsic.Neg()
	}
	value := decimal.Max(intrinsic, decimal.Zero).Add(decimal.NewFromInt(1))
	return decimal.Max(value, minPremium)
}

func delta(c gateway.Contract) string {
	strike, err := decimal.NewFromString(c.Strike)
	if err != nil {
		return "1"
	}
	// crude linear ramp clipped to [0.01, 0.99]
	d := decimal.RequireFromString("0.5").Add(underlyingPrice.Sub(strike).Div(decimal.NewFromInt(40)))
	d = decimal.Min(decimal.Max(d, halfTick), decimal.RequireFromString("0.99"))
	if c.Right == "P" {
		d = d.Sub(decimal.NewFromInt(1))
	}
	return d.StringFixed(4)
}

func quote(req gateway.Request) []gateway.Event {
	mid := premium(req.Contract)
	events := []gateway.Event{
		field(req.ID, "bid", mid.Sub(halfTick).StringFixed(2)),
		field(req.ID, "ask", mid.Add(halfTick).StringFixed(2)),
		field(req.ID, "last", mid.StringFixed(2)),
	}
	if req.Contract.Right != "" {
		events = append(events, field(req.ID, "delta", delta(req.Contract)))
	}
	if req.Snapshot {
		events = append(events, gateway.Event{Kind: gateway.EventEnd, ID: req.ID})
	}
	return events
}

func contractDetails(req gateway.Request) []gateway.Event {
	c := req.Contract
	h := fnv.New32a()
	_, _ = h.Write([]byte(c.Symbol + c.SecType + c.Expiry + c.Strike + c.Right))
	local := c.TradingClass + " " + c.Expiry + " " + c.Right + c.Strike
	return []gateway.Event{
		field(req.ID, "conid", strconv.FormatUint(uint64(h.Sum32()), 10)),
		field(req.ID, "localSymbol", local),
		field(req.ID, "multiplier", c.Multiplier),
		{Kind: gateway.EventEnd, ID: req.ID},
	}
}

func whatIf(req gateway.Request) []gateway.Event {
	strike, err := decimal.NewFromString(req.Contract.Strike)
	if err != nil {
		strike = underlyingPrice
	}
	initial := strike.Mul(contractSize).Mul(marginRate)
	if req.Order != nil && req.Order.Action == "BUY" {
		initial = premium(req.Contract).Mul(contractSize)
	}
	maint := initial.Mul(decimal.RequireFromString("0.9"))
	return []gateway.Event{
		field(req.ID, "initMarginChange", initial.StringFixed(2)),
		field(req.ID, "maintMarginChange", maint.StringFixed(2)),
	}
}
