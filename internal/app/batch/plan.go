// Package batch runs collection jobs end to end: generate, dispatch, await, store.
package batch

import (
	"fmt"
	"time"

	"github.com/coachpo/sigma/internal/domain/entity"
	"github.com/coachpo/sigma/internal/infra/config"
	"github.com/coachpo/sigma/internal/infra/gateway"
)

// Plan is the chain to collect: an instrument template and its expiry, strike and side axes.
type Plan struct {
	Instrument entity.Instrument
	Expiries   entity.Dimension
	Strikes    entity.Dimension
	Sides      entity.Dimension
}

// PlanFromConfig derives the chain from configuration. Expiry months count forward from now
// unless the config lists them explicitly.
func PlanFromConfig(cfg config.AppConfig, now time.Time) (Plan, error) {
	var (
		expiries entity.Dimension
		err      error
	)
	if len(cfg.Chain.Months) > 0 {
		expiries, err = entity.MonthList(cfg.Chain.Months...)
	} else {
		expiries, err = entity.Months(now, cfg.Chain.RelStartMonth, cfg.Chain.MonthsAhead)
	}
	if err != nil {
		return Plan{}, err
	}
	strikes, err := entity.Strikes(cfg.Chain.StrikeFrom.Decimal, cfg.Chain.StrikeTo.Decimal, cfg.Chain.StrikeStep.Decimal)
	if err != nil {
		return Plan{}, err
	}
	sides, err := entity.Sides(cfg.Chain.Sides...)
	if err != nil {
		return Plan{}, err
	}
	inst := cfg.Instrument
	return Plan{
		Instrument: entity.Instrument{
			Symbol:            inst.Symbol,
			SecType:           inst.SecType,
			Exchange:          inst.Exchange,
			Currency:          inst.Currency,
			TradingClass:      inst.TradingClass,
			Multiplier:        inst.Multiplier,
			UnderlyingSecType: inst.UnderlyingSecType,
		},
		Expiries: expiries,
		Strikes:  strikes,
		Sides:    sides,
	}, nil
}

// Space is the option chain in expiry, strike, side order.
func (p Plan) Space(extra ...entity.Dimension) entity.Space {
	dims := []entity.Dimension{p.Expiries, p.Strikes, p.Sides}
	return entity.Space{Dimensions: append(dims, extra...)}
}

// Name is the instrument key used for storage, e.g. "CL FOP (LO)".
func (p Plan) Name() string {
	name := p.Instrument.Symbol + " " + p.Instrument.SecType
	if p.Instrument.TradingClass != "" {
		name += " (" + p.Instrument.TradingClass + ")"
	}
	return name
}

// Contract fills the instrument template with a descriptor's coordinates.
func (p Plan) Contract(desc entity.Descriptor) gateway.Contract {
	c := gateway.Contract{
		Symbol:       p.Instrument.Symbol,
		SecType:      p.Instrument.SecType,
		Exchange:     p.Instrument.Exchange,
		Currency:     p.Instrument.Currency,
		TradingClass: p.Instrument.TradingClass,
		Multiplier:   p.Instrument.Multiplier,
	}
	c.Expiry, _ = desc.Get(entity.DimExpiry)
	c.Strike, _ = desc.Get(entity.DimStrike)
	c.Right, _ = desc.Get(entity.DimSide)
	return c
}

// Underlying is the futures contract for one expiry.
func (p Plan) Underlying(desc entity.Descriptor) gateway.Contract {
	secType := p.Instrument.UnderlyingSecType
	if secType == "" {
		secType = "FUT"
	}
	expiry, _ := desc.Get(entity.DimExpiry)
	return gateway.Contract{
		Symbol:     p.Instrument.Symbol,
		SecType:    secType,
		Exchange:   p.Instrument.Exchange,
		Currency:   p.Instrument.Currency,
		Multiplier: p.Instrument.Multiplier,
		Expiry:     expiry,
	}
}

func (p Plan) String() string {
	return fmt.Sprintf("%s %d expiries x %d strikes x %d sides",
		p.Name(), len(p.Expiries.Values), len(p.Strikes.Values), len(p.Sides.Values))
}
