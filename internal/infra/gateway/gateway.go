// Package gateway defines the broker transport consumed by the collection session.
package gateway

import (
	"context"
	"time"
)

// NoID marks events that are not bound to a correlation id.
const NoID int64 = -1

// EventKind classifies inbound broker events.
type EventKind string

const (
	// EventField carries one named value for a correlation id.
	EventField EventKind = "field"
	// EventError carries a broker error, with or without a correlation id.
	EventError EventKind = "error"
	// EventIDs announces the next valid correlation id in ID.
	EventIDs EventKind = "ids"
	// EventEnd is an optional end-of-snapshot marker for ID.
	EventEnd EventKind = "end"
)

// Event is a tagged, possibly partial, reply pushed by the broker.
type Event struct {
	Kind    EventKind `json:"kind"`
	ID      int64     `json:"id"`
	Field   string    `json:"field,omitempty"`
	Value   string    `json:"value,omitempty"`
	Code    int       `json:"code,omitempty"`
	Message string    `json:"message,omitempty"`
	At      time.Time `json:"at,omitempty"`
}

// HasID reports whether the event refers to a correlation id.
func (e Event) HasID() bool { return e.ID >= 0 }

// RequestKind names the broker request an id was issued for.
type RequestKind string

const (
	// KindQuote is a one-shot market data snapshot.
	KindQuote RequestKind = "quote"
	// KindContract is a contract details lookup.
	KindContract RequestKind = "contract"
	// KindWhatIf is a what-if order used to probe margin impact.
	KindWhatIf RequestKind = "whatif"
)

// Contract identifies the instrument a request targets.
type Contract struct {
	Symbol       string `json:"symbol"`
	SecType      string `json:"secType"`
	Exchange     string `json:"exchange"`
	Currency     string `json:"currency"`
	TradingClass string `json:"tradingClass,omitempty"`
	Multiplier   string `json:"multiplier,omitempty"`
	Expiry       string `json:"expiry,omitempty"`
	Strike       string `json:"strike,omitempty"`
	Right        string `json:"right,omitempty"`
}

// Order describes a what-if order.
type Order struct {
	Action    string `json:"action"`
	Quantity  string `json:"quantity"`
	OrderType string `json:"orderType"`
	WhatIf    bool   `json:"whatIf"`
}

// Request is one wire request. Several requests may share a correlation id.
type Request struct {
	ID       int64       `json:"id"`
	Kind     RequestKind `json:"kind"`
	Contract Contract    `json:"contract"`
	Snapshot bool        `json:"snapshot,omitempty"`
	Order    *Order      `json:"order,omitempty"`
}

// Gateway is a connection to the broker. Events is closed when the connection ends.
type Gateway interface {
	Connect(ctx context.Context) error
	Close(ctx context.Context) error
	Send(ctx context.Context, req Request) error
	Cancel(ctx context.Context, id int64, kind RequestKind) error
	RequestIDs(ctx context.Context) error
	Events() <-chan Event
}
