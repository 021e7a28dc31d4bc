package usage

import (
	"math"
	"sync/atomic"

	contractx "github.com/tanpawarit/chative-toolagent/agent/contract"
)

// nanoUSD per USD; cost is accumulated as an integer so updates stay atomic.
const nanoUSD = 1e9

// Meter accumulates token usage and estimated cost for one session.
type Meter struct {
	price Price

	input    atomic.Int64
	output   atomic.Int64
	requests atomic.Int64
	cost     atomic.Int64
}

func NewMeter(price Price) *Meter {
	return &Meter{price: price}
}

// ForModel builds a meter priced from table for the given model.
func ForModel(table PriceTable, model string) *Meter {
	return NewMeter(table.Lookup(model))
}

// Track records one model request.
func (m *Meter) Track(inputTokens, outputTokens int) {
	if inputTokens < 0 {
		inputTokens = 0
	}
	if outputTokens < 0 {
		outputTokens = 0
	}
	m.input.Add(int64(inputTokens))
	m.output.Add(int64(outputTokens))
	m.requests.Add(1)

	usd := float64(inputTokens)*m.price.Input/1e6 + float64(outputTokens)*m.price.Output/1e6
	m.cost.Add(int64(math.Round(usd * nanoUSD)))
}

func (m *Meter) Snapshot() contractx.UsageCounters {
	in := m.input.Load()
	out := m.output.Load()
	return contractx.UsageCounters{
		TotalTokens:  in + out,
		InputTokens:  in,
		OutputTokens: out,
		TotalCost:    float64(m.cost.Load()) / nanoUSD,
		RequestCount: m.requests.Load(),
	}
}

func (m *Meter) Reset() {
	m.input.Store(0)
	m.output.Store(0)
	m.requests.Store(0)
	m.cost.Store(0)
}
