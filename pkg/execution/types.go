// Package execution turns approved trade intents into orders and positions.
// It owns preflight risk checks, position sizing, the paper broker, and P&L
// accounting. It deliberately knows nothing about how intents are produced.
package execution

import (
	"errors"
	"time"
)

var (
	ErrPositionClosed   = errors.New("execution: position already closed")
	ErrPositionNotFound = errors.New("execution: position not found")
	ErrIdempotencyReuse = errors.New("execution: idempotency key reused with different parameters")
)

// KillGate is the safety gate consulted before any order. The brain's kill
// switch implements it.
type KillGate interface {
	CanOpenNewPositions() bool
	CanTrade() bool
}

// Account is the equity snapshot preflight and the sizer work from.
type Account struct {
	Equity       float64
	Available    float64
	PeakEquity   float64
	DailyPnL     float64
	OpenNotional float64
}

// HeatPct is open notional over equity, the portfolio heat measure.
func (a Account) HeatPct() float64 {
	if a.Equity <= 0 {
		return 0
	}
	return a.OpenNotional / a.Equity
}

// DailyLossPct is today's loss as a positive fraction of equity, zero when
// the day is flat or up.
func (a Account) DailyLossPct() float64 {
	if a.DailyPnL >= 0 || a.Equity <= 0 {
		return 0
	}
	return -a.DailyPnL / a.Equity
}

// DrawdownPct is the decline from peak equity as a positive fraction.
func (a Account) DrawdownPct() float64 {
	if a.PeakEquity <= 0 || a.Equity >= a.PeakEquity {
		return 0
	}
	return (a.PeakEquity - a.Equity) / a.PeakEquity
}

// Position is one open or closed position.
type Position struct {
	ID            string
	Venue         string
	Symbol        string
	Direction     string // long | short
	EntryPrice    float64
	SizeUSD       float64
	Leverage      float64
	OpenedAt      time.Time
	ClosedAt      *time.Time
	Status        string // open | closed
	RealizedPnL   *float64
	ConvictionID  string
	RegimeAtEntry string
	PCSAtEntry    float64
	CTSAtEntry    float64
}

// Fill is the result of one executed order.
type Fill struct {
	OrderID    string
	PositionID string
	Symbol     string
	Side       string // buy | sell
	Price      float64
	SizeUSD    float64
	FeeUSD     float64
	FilledAt   time.Time
}
