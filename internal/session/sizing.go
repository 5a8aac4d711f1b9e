package session

import (
	"fmt"

	"github.com/shopspring/decimal"

	"pyramid-kss/pkg/types"
)

// DefaultPipMultiplier sizes the base wave quantity relative to the
// exchange's minimum order quantity when no override is configured.
const DefaultPipMultiplier = 2.0

// Sizing derives per-wave quantities and prices for one session. It captures
// the inputs that are fixed for the session's lifetime: the anchor entry
// price, the pip multiplier, and the exchange's LOT_SIZE rules. The wave
// distance is passed per call because it stays adjustable while a session
// runs.
//
// Quantities grow linearly with depth (wave n buys (n+1) pips) and prices
// fall geometrically below the entry, so deeper waves buy more at cheaper
// levels. All rounding goes through decimal arithmetic; float64 only at the
// boundaries.
type Sizing struct {
	Entry   float64
	PipMult float64
	Info    types.ExchangeInfo
}

// Precision returns the number of price decimals, chosen from the entry
// price's magnitude. Large-cap symbols quote coarser.
func (s Sizing) Precision() int32 {
	switch {
	case s.Entry >= 10000:
		return 2
	case s.Entry >= 100:
		return 4
	default:
		return 6
	}
}

// PipSize is the base quantity unit: pip multiplier × exchange minimum
// quantity. Wave n buys (n+1) of these.
func (s Sizing) PipSize() float64 {
	return s.PipMult * s.Info.MinQty
}

// Qty returns the purchase quantity for wave n: (n+1) pips snapped to the
// exchange step size, floored at MinQty and capped at MaxQty.
func (s Sizing) Qty(n int) float64 {
	raw := decimal.NewFromInt(int64(n + 1)).Mul(decimal.NewFromFloat(s.PipSize()))

	q := raw
	if step := decimal.NewFromFloat(s.Info.StepSize); step.IsPositive() {
		q = raw.Div(step).Round(0).Mul(step)
	}
	if minQty := decimal.NewFromFloat(s.Info.MinQty); q.LessThan(minQty) {
		q = minQty
	}
	if maxQty := decimal.NewFromFloat(s.Info.MaxQty); maxQty.IsPositive() && q.GreaterThan(maxQty) {
		q = maxQty
	}
	return q.InexactFloat64()
}

// Price returns the limit price for wave n: entry × (1 − distance/100)^n,
// rounded to the session's price precision. Wave 0 sits at the entry price
// itself. A price that rounds to zero or below is refused rather than sent
// to the exchange.
func (s Sizing) Price(n int, distancePct float64) (float64, error) {
	factor := decimal.NewFromInt(1).Sub(decimal.NewFromFloat(distancePct).Div(decimal.NewFromInt(100)))

	price := decimal.NewFromFloat(s.Entry)
	for i := 0; i < n; i++ {
		price = price.Mul(factor)
	}
	price = price.Round(s.Precision())

	if !price.IsPositive() {
		return 0, fmt.Errorf("wave %d price %s is not positive (entry=%v, distance=%v%%)",
			n, price, s.Entry, distancePct)
	}
	return price.InexactFloat64(), nil
}

// Cost returns qty × price for wave n.
func (s Sizing) Cost(n int, distancePct float64) (float64, error) {
	price, err := s.Price(n, distancePct)
	if err != nil {
		return 0, err
	}
	return decimal.NewFromFloat(s.Qty(n)).Mul(decimal.NewFromFloat(price)).InexactFloat64(), nil
}

// TotalCost returns the summed cost of waves 0 through lastWave inclusive —
// the capital needed if every wave down to that depth fills at target.
func (s Sizing) TotalCost(lastWave int, distancePct float64) (float64, error) {
	total := decimal.Zero
	for n := 0; n <= lastWave; n++ {
		cost, err := s.Cost(n, distancePct)
		if err != nil {
			return 0, err
		}
		total = total.Add(decimal.NewFromFloat(cost))
	}
	return total.InexactFloat64(), nil
}

// ————————————————————————————————————————————————————————————————————————
// Preview
// ————————————————————————————————————————————————————————————————————————

// PreviewWave is one row of a dry-run wave table.
type PreviewWave struct {
	WaveNum        int     `json:"wave_num"`
	TargetPrice    float64 `json:"target_price"`
	Qty            float64 `json:"qty"`
	Cost           float64 `json:"cost"`
	CumulativeQty  float64 `json:"cumulative_qty"`
	CumulativeCost float64 `json:"cumulative_cost"`
	AvgPriceAfter  float64 `json:"avg_price_after"`
	TPPriceAfter   float64 `json:"tp_price_after"`
}

// PreviewResult is the full dry-run of a parameter set: what every wave
// would buy, where the average lands after each fill, and how much capital
// the whole ladder needs.
type PreviewResult struct {
	Symbol          string        `json:"symbol"`
	Waves           []PreviewWave `json:"waves"`
	TotalQty        float64       `json:"total_qty"`
	TotalCost       float64       `json:"total_cost"`
	FinalAvgPrice   float64       `json:"final_avg_price"`
	FinalTPPrice    float64       `json:"final_tp_price"`
	PriceRangePct   float64       `json:"price_range_pct"`
	AffordableWaves int           `json:"affordable_waves"`
}

// Preview computes the wave table for a parameter set without creating a
// session. AffordableWaves counts how many leading waves the isolated fund
// covers if each fills at target.
func Preview(p Params, info types.ExchangeInfo, pipMult float64) (*PreviewResult, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if pipMult <= 0 {
		pipMult = DefaultPipMultiplier
	}

	sz := Sizing{Entry: p.EntryPrice, PipMult: pipMult, Info: info}
	res := &PreviewResult{Symbol: p.Symbol, Waves: make([]PreviewWave, 0, p.MaxWaves)}

	cumQty := decimal.Zero
	cumCost := decimal.Zero
	affordable := 0
	for n := 0; n < p.MaxWaves; n++ {
		price, err := sz.Price(n, p.DistancePct)
		if err != nil {
			return nil, err
		}
		qty := sz.Qty(n)
		cost := decimal.NewFromFloat(qty).Mul(decimal.NewFromFloat(price))

		cumQty = cumQty.Add(decimal.NewFromFloat(qty))
		cumCost = cumCost.Add(cost)
		avg := cumCost.Div(cumQty).InexactFloat64()

		if cumCost.InexactFloat64() <= p.IsolatedFund {
			affordable = n + 1
		}

		res.Waves = append(res.Waves, PreviewWave{
			WaveNum:        n,
			TargetPrice:    price,
			Qty:            qty,
			Cost:           cost.InexactFloat64(),
			CumulativeQty:  cumQty.InexactFloat64(),
			CumulativeCost: cumCost.InexactFloat64(),
			AvgPriceAfter:  avg,
			TPPriceAfter:   avg * (1 + p.TPPct/100),
		})
	}

	last := res.Waves[len(res.Waves)-1]
	first := res.Waves[0]
	res.TotalQty = last.CumulativeQty
	res.TotalCost = last.CumulativeCost
	res.FinalAvgPrice = last.AvgPriceAfter
	res.FinalTPPrice = last.TPPriceAfter
	if first.TargetPrice > 0 {
		res.PriceRangePct = (first.TargetPrice - last.TargetPrice) / first.TargetPrice * 100
	}
	res.AffordableWaves = affordable

	return res, nil
}
