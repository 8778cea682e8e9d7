package pricing

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/ManuelReschke/TradingAgent/app/models"
	"github.com/ManuelReschke/TradingAgent/internal/pkg/apperror"
)

const DefaultResearchDepth = 1

// Snapshot is the exact breakdown used to price a task. It is stored as JSON
// next to the task and payment for audit and display and is never re-parsed
// for billing decisions.
type Snapshot struct {
	StrategyCode      string  `json:"strategyCode"`
	Currency          string  `json:"currency"`
	BasePriceCents    int64   `json:"basePriceCents"`
	ResearchDepth     int     `json:"researchDepth"`
	DepthMultiplier   float64 `json:"depthMultiplier"`
	AnalystCount      int     `json:"analystCount"`
	AnalystMultiplier float64 `json:"analystMultiplier"`
	FinalAmountCents  int64   `json:"finalAmountCents"`
}

// Quote is the result of a price calculation.
type Quote struct {
	StrategyCode string
	Currency     string
	AmountCents  int64
	Snapshot     Snapshot
}

// IsFree reports a zero priced quote.
func (q Quote) IsFree() bool {
	return q.AmountCents <= 0
}

// SnapshotJSON serializes the breakdown for persistence.
func (q Quote) SnapshotJSON() string {
	b, err := json.Marshal(q.Snapshot)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// CalculatePrice computes round_half_up(base * depthMultiplier * analystMultiplier).
// Missing multiplier keys count as 1.0. Malformed multiplier tables are a
// configuration error.
func CalculatePrice(strategy *models.PricingStrategy, researchDepth *int, analysts []string) (Quote, error) {
	if strategy == nil {
		return Quote{}, apperror.Configuration("pricing strategy missing", nil)
	}

	depth := DefaultResearchDepth
	if researchDepth != nil {
		depth = *researchDepth
	}
	analystCount := len(analysts)

	depthTable, err := parseMultipliers(strategy.ResearchDepthMultipliers)
	if err != nil {
		return Quote{}, apperror.Configuration("invalid research depth multipliers for strategy "+strategy.Code, err)
	}
	analystTable, err := parseMultipliers(strategy.AnalystCountMultipliers)
	if err != nil {
		return Quote{}, apperror.Configuration("invalid analyst multipliers for strategy "+strategy.Code, err)
	}

	dm := lookupMultiplier(depthTable, depth)
	am := lookupMultiplier(analystTable, max(analystCount, 1))

	amount := decimal.NewFromInt(strategy.BasePriceCents).Mul(dm).Mul(am).Round(0).IntPart()
	currency := strategy.CurrencyOrDefault()

	return Quote{
		StrategyCode: strategy.Code,
		Currency:     currency,
		AmountCents:  amount,
		Snapshot: Snapshot{
			StrategyCode:      strategy.Code,
			Currency:          currency,
			BasePriceCents:    strategy.BasePriceCents,
			ResearchDepth:     depth,
			DepthMultiplier:   dm.InexactFloat64(),
			AnalystCount:      analystCount,
			AnalystMultiplier: am.InexactFloat64(),
			FinalAmountCents:  amount,
		},
	}, nil
}

func parseMultipliers(raw string) (map[string]decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]decimal.Decimal{}, nil
	}
	var table map[string]decimal.Decimal
	if err := json.Unmarshal([]byte(raw), &table); err != nil {
		return nil, err
	}
	return table, nil
}

func lookupMultiplier(table map[string]decimal.Decimal, key int) decimal.Decimal {
	if v, ok := table[strconv.Itoa(key)]; ok {
		return v
	}
	return decimal.NewFromInt(1)
}
