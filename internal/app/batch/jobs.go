package batch

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/coachpo/sigma/internal/app/dispatch"
	"github.com/coachpo/sigma/internal/app/session"
	"github.com/coachpo/sigma/internal/domain/correlation"
	"github.com/coachpo/sigma/internal/domain/entity"
	"github.com/coachpo/sigma/internal/infra/gateway"
)

// Job names.
const (
	JobContracts = "contracts"
	JobSnapshot  = "snapshot"
	JobMargins   = "margins"
)

// Descriptor kinds.
const (
	KindOption     = "option"
	KindUnderlying = "underlying"
)

// Stage is one correlation table's worth of work.
type Stage struct {
	Name        string
	Descriptors []entity.Descriptor
	Request     dispatch.Request
	// Category defaults to data ids.
	Category  func(entity.Descriptor) session.Category
	Predicate correlation.Predicate
	Label     func(entity.Descriptor) string
	// Derive adds computed values to a projected row.
	Derive func(correlation.Fields) map[string]string
}

// Job expands a plan into stages that run one after another on the same session.
type Job struct {
	Name  string
	Build func(plan Plan) ([]Stage, error)
}

var registry = map[string]Job{
	JobContracts: {Name: JobContracts, Build: contractsJob},
	JobSnapshot:  {Name: JobSnapshot, Build: snapshotJob},
	JobMargins:   {Name: JobMargins, Build: marginsJob},
}

// Lookup returns a registered job.
func Lookup(name string) (Job, error) {
	job, ok := registry[name]
	if !ok {
		return Job{}, fmt.Errorf("unknown job %q (expected one of %v)", name, JobNames())
	}
	return job, nil
}

// JobNames lists registered jobs alphabetically.
func JobNames() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func options(plan Plan, extra ...entity.Dimension) ([]entity.Descriptor, error) {
	descs, err := entity.Generate(plan.Space(extra...))
	if err != nil {
		return nil, err
	}
	for i := range descs {
		descs[i] = descs[i].WithKind(KindOption)
	}
	return descs, nil
}

func optionLabel(plan Plan) func(entity.Descriptor) string {
	return func(desc entity.Descriptor) string { return entity.Label(plan.Instrument, desc) }
}

// contractsJob resolves broker contract ids for every option in the chain.
func contractsJob(plan Plan) ([]Stage, error) {
	descs, err := options(plan)
	if err != nil {
		return nil, err
	}
	return []Stage{{
		Name:        "contracts",
		Descriptors: descs,
		Request: func(desc entity.Descriptor) []gateway.Request {
			return []gateway.Request{{Kind: gateway.KindContract, Contract: plan.Contract(desc)}}
		},
		Predicate: correlation.AllOf("conid"),
		Label:     optionLabel(plan),
	}}, nil
}

// snapshotJob takes one market snapshot per option together with its contract details.
func snapshotJob(plan Plan) ([]Stage, error) {
	descs, err := options(plan)
	if err != nil {
		return nil, err
	}
	return []Stage{{
		Name:        "options",
		Descriptors: descs,
		Request: func(desc entity.Descriptor) []gateway.Request {
			c := plan.Contract(desc)
			return []gateway.Request{
				{Kind: gateway.KindQuote, Contract: c, Snapshot: true},
				{Kind: gateway.KindContract, Contract: c},
			}
		},
		Predicate: correlation.Every(correlation.AnyOf("bid", "ask"), correlation.AllOf("delta")),
		Label:     optionLabel(plan),
		Derive:    quoteDerived,
	}}, nil
}

// marginsJob probes the initial margin of a long and a short position in every option with
// what-if orders, then quotes the underlying futures under data ids.
func marginsJob(plan Plan) ([]Stage, error) {
	descs, err := options(plan, entity.Enum(entity.DimAction, "BUY", "SELL"))
	if err != nil {
		return nil, err
	}
	underlying, err := entity.Generate(entity.Space{Dimensions: []entity.Dimension{plan.Expiries}})
	if err != nil {
		return nil, err
	}
	for i := range underlying {
		underlying[i] = underlying[i].WithKind(KindUnderlying)
	}
	futures := plan.Instrument
	futures.SecType = plan.Underlying(entity.Descriptor{}).SecType
	futures.TradingClass = ""

	return []Stage{
		{
			Name:        "options",
			Descriptors: descs,
			Request: func(desc entity.Descriptor) []gateway.Request {
				c := plan.Contract(desc)
				action, _ := desc.Get(entity.DimAction)
				return []gateway.Request{
					{Kind: gateway.KindWhatIf, Contract: c, Order: &gateway.Order{
						Action:    action,
						Quantity:  "1",
						OrderType: "MKT",
						WhatIf:    true,
					}},
				}
			},
			// order ids carry only order traffic
			Category:  func(entity.Descriptor) session.Category { return session.CategoryOrder },
			Predicate: correlation.AllOf("initMarginChange"),
			Label: func(desc entity.Descriptor) string {
				action, _ := desc.Get(entity.DimAction)
				return action + " " + entity.Label(plan.Instrument, desc)
			},
		},
		{
			Name:        "underlying",
			Descriptors: underlying,
			Request: func(desc entity.Descriptor) []gateway.Request {
				return []gateway.Request{{Kind: gateway.KindQuote, Contract: plan.Underlying(desc), Snapshot: true}}
			},
			Predicate: correlation.AnyOf("bid", "ask", "last"),
			Label:     func(desc entity.Descriptor) string { return entity.Label(futures, desc) },
			Derive:    quoteDerived,
		},
	}, nil
}

var two = decimal.NewFromInt(2)

// quoteDerived adds mid and spread when both sides of the book are positive.
func quoteDerived(fields correlation.Fields) map[string]string {
	bid, okBid := decimalField(fields, "bid")
	ask, okAsk := decimalField(fields, "ask")
	if !okBid || !okAsk || !bid.IsPositive() || !ask.IsPositive() {
		return nil
	}
	return map[string]string{
		"mid":    bid.Add(ask).Div(two).String(),
		"spread": ask.Sub(bid).String(),
	}
}

func decimalField(fields correlation.Fields, name string) (decimal.Decimal, bool) {
	raw, ok := fields.Value(name)
	if !ok {
		return decimal.Decimal{}, false
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, false
	}
	return d, true
}
