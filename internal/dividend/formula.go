// Package dividend computes the universal dividend and mints it as a ladder
// of denominated vouchers.
package dividend

import (
	"math"
	"time"

	"github.com/vultisig/bonserver/config"
	"github.com/vultisig/bonserver/internal/types"
)

// Denominations is the descending ladder vouchers are minted from.
var Denominations = []float64{50, 20, 10, 5, 2, 1}

// DustThreshold is the smallest remainder still minted as its own voucher.
const DustThreshold = 0.1

type Params struct {
	MinMutualLinks     int
	GrowthRate         float64
	CapRatio           float64
	InitialValue       float64
	SecondDegreeWeight float64
	Validity           time.Duration
	BootstrapValidity  time.Duration
}

func DefaultParams() Params {
	return Params{
		MinMutualLinks:     5,
		GrowthRate:         0.0488,
		CapRatio:           0.05,
		InitialValue:       10,
		SecondDegreeWeight: 0.1,
		Validity:           28 * 24 * time.Hour,
		BootstrapValidity:  90 * 24 * time.Hour,
	}
}

func ParamsFromConfig(cfg config.DividendConfig) Params {
	p := DefaultParams()
	if cfg.MinMutualLinks > 0 {
		p.MinMutualLinks = cfg.MinMutualLinks
	}
	if cfg.GrowthRate > 0 {
		p.GrowthRate = cfg.GrowthRate
	}
	if cfg.CapRatio > 0 {
		p.CapRatio = cfg.CapRatio
	}
	if cfg.InitialValue > 0 {
		p.InitialValue = cfg.InitialValue
	}
	if cfg.SecondDegreeWeight > 0 {
		p.SecondDegreeWeight = cfg.SecondDegreeWeight
	}
	if cfg.ValidityDays > 0 {
		p.Validity = time.Duration(cfg.ValidityDays) * 24 * time.Hour
	}
	if cfg.BootstrapValidityDays > 0 {
		p.BootstrapValidity = time.Duration(cfg.BootstrapValidityDays) * 24 * time.Hour
	}
	return p
}

// Issuance is the outcome of one period's computation. Eligible false means
// the participant is skipped; it is not an error.
type Issuance struct {
	Eligible bool
	Amount   float64
}

// BuildGraph summarizes contacts as seen by participant. Second-degree reach
// is the sum of what each mutual contact follows, minus the link back.
func BuildGraph(participant string, contacts []types.Contact) types.SocialGraph {
	g := types.SocialGraph{Participant: participant}
	for _, c := range contacts {
		if !c.Mutual || c.PublicKey == participant {
			continue
		}
		g.MutualLinks++
		if c.FollowsCount > 1 {
			g.SecondDegree += c.FollowsCount - 1
		}
	}
	return g
}

// ComputeIssuance applies DU' = DU + c^2 * M / N with N = n1 + w*n2, floors
// the first period at the initial value and caps growth at DU*(1+capRatio).
func ComputeIssuance(p Params, graph types.SocialGraph, stats types.MarketStats) Issuance {
	if graph.MutualLinks < p.MinMutualLinks {
		return Issuance{}
	}
	if stats.CurrentDU <= 0 {
		return Issuance{Eligible: true, Amount: round2(p.InitialValue)}
	}
	n := float64(graph.MutualLinks) + p.SecondDegreeWeight*float64(graph.SecondDegree)
	next := stats.CurrentDU + p.GrowthRate*p.GrowthRate*math.Max(stats.Volume, 0)/n
	if ceiling := stats.CurrentDU * (1 + p.CapRatio); next > ceiling {
		next = ceiling
	}
	return Issuance{Eligible: true, Amount: round2(next)}
}

// Denominate splits total greedily over the ladder. A remainder below the
// smallest unit becomes one more value when it exceeds DustThreshold.
func Denominate(total float64) []float64 {
	if total <= 0 || math.IsNaN(total) || math.IsInf(total, 0) {
		return nil
	}
	remaining := int64(math.Round(total * 100))
	var out []float64
	for _, d := range Denominations {
		unit := int64(d * 100)
		for remaining >= unit {
			out = append(out, d)
			remaining -= unit
		}
	}
	if float64(remaining)/100 > DustThreshold {
		out = append(out, float64(remaining)/100)
	}
	return out
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
