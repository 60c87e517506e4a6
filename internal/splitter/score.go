package splitter

import (
	"futures-exec/pkg/types"
)

// scoredAlgos is the candidate set in tie-break order: on equal scores the
// earlier algorithm wins.
var scoredAlgos = []types.Algo{
	types.AlgoTWAP, types.AlgoVWAP, types.AlgoIceberg, types.AlgoBehavioral,
}

// Factor weights. Size dominates, liquidity second, the rest split evenly.
const (
	weightSize       = 0.30
	weightLiquidity  = 0.25
	weightSession    = 0.15
	weightStealth    = 0.15
	weightVolatility = 0.15
)

// Per-factor score tables, [0,100] per (algorithm, factor value). Small flow
// favors plain time slicing; large flow favors hidden quantity and disguise;
// thin books penalize volume-tracking; high volatility favors fast, simple
// pacing over stealth.

var sizeScores = map[SizeCategory]map[types.Algo]float64{
	SizeSmall: {
		types.AlgoTWAP: 80, types.AlgoVWAP: 60, types.AlgoIceberg: 30, types.AlgoBehavioral: 40,
	},
	SizeMedium: {
		types.AlgoTWAP: 70, types.AlgoVWAP: 80, types.AlgoIceberg: 60, types.AlgoBehavioral: 50,
	},
	SizeLarge: {
		types.AlgoTWAP: 50, types.AlgoVWAP: 70, types.AlgoIceberg: 85, types.AlgoBehavioral: 70,
	},
	SizeHuge: {
		types.AlgoTWAP: 30, types.AlgoVWAP: 60, types.AlgoIceberg: 90, types.AlgoBehavioral: 85,
	},
}

var liquidityScores = map[types.Liquidity]map[types.Algo]float64{
	types.LiquidityHigh: {
		types.AlgoTWAP: 70, types.AlgoVWAP: 85, types.AlgoIceberg: 60, types.AlgoBehavioral: 50,
	},
	types.LiquidityNormal: {
		types.AlgoTWAP: 75, types.AlgoVWAP: 75, types.AlgoIceberg: 65, types.AlgoBehavioral: 55,
	},
	types.LiquidityLow: {
		types.AlgoTWAP: 60, types.AlgoVWAP: 50, types.AlgoIceberg: 80, types.AlgoBehavioral: 70,
	},
	types.LiquidityCritical: {
		types.AlgoTWAP: 80, types.AlgoVWAP: 30, types.AlgoIceberg: 50, types.AlgoBehavioral: 40,
	},
}

var sessionScores = map[types.SessionPhase]map[types.Algo]float64{
	types.PhaseOpening: {
		types.AlgoTWAP: 60, types.AlgoVWAP: 80, types.AlgoIceberg: 55, types.AlgoBehavioral: 50,
	},
	types.PhaseMorning: {
		types.AlgoTWAP: 70, types.AlgoVWAP: 80, types.AlgoIceberg: 65, types.AlgoBehavioral: 60,
	},
	types.PhaseAfternoon: {
		types.AlgoTWAP: 75, types.AlgoVWAP: 70, types.AlgoIceberg: 65, types.AlgoBehavioral: 60,
	},
	types.PhaseClosing: {
		types.AlgoTWAP: 80, types.AlgoVWAP: 85, types.AlgoIceberg: 50, types.AlgoBehavioral: 40,
	},
	types.PhaseNightActive: {
		types.AlgoTWAP: 70, types.AlgoVWAP: 60, types.AlgoIceberg: 70, types.AlgoBehavioral: 65,
	},
	types.PhaseNightQuiet: {
		types.AlgoTWAP: 75, types.AlgoVWAP: 40, types.AlgoIceberg: 65, types.AlgoBehavioral: 55,
	},
}

// stealthScores is intrinsic to the algorithm: how well it hides footprint.
var stealthScores = map[types.Algo]float64{
	types.AlgoTWAP:       40,
	types.AlgoVWAP:       50,
	types.AlgoIceberg:    85,
	types.AlgoBehavioral: 95,
}

// volatilityScores keys on the coarse volatility band.
type volatilityBand int

const (
	volLow    volatilityBand = iota // < 2%
	volMedium                       // 2% – 5%
	volHigh                         // > 5%
)

func bandOf(volatilityPct float64) volatilityBand {
	switch {
	case volatilityPct > 5:
		return volHigh
	case volatilityPct >= 2:
		return volMedium
	default:
		return volLow
	}
}

var volatilityScores = map[volatilityBand]map[types.Algo]float64{
	volLow: {
		types.AlgoTWAP: 75, types.AlgoVWAP: 75, types.AlgoIceberg: 70, types.AlgoBehavioral: 60,
	},
	volMedium: {
		types.AlgoTWAP: 80, types.AlgoVWAP: 65, types.AlgoIceberg: 60, types.AlgoBehavioral: 50,
	},
	volHigh: {
		types.AlgoTWAP: 90, types.AlgoVWAP: 50, types.AlgoIceberg: 40, types.AlgoBehavioral: 30,
	},
}

// scoreAlgo computes the weighted composite for one algorithm.
func scoreAlgo(algo types.Algo, category SizeCategory, mkt types.MarketContext) float64 {
	return weightSize*sizeScores[category][algo] +
		weightLiquidity*liquidityScores[mkt.Liquidity][algo] +
		weightSession*sessionScores[mkt.SessionPhase][algo] +
		weightStealth*stealthScores[algo] +
		weightVolatility*volatilityScores[bandOf(mkt.VolatilityPct)][algo]
}

// selectAlgo scores all candidates and picks the best; ties resolve in the
// fixed candidate order.
func selectAlgo(category SizeCategory, mkt types.MarketContext) (types.Algo, float64) {
	best := scoredAlgos[0]
	bestScore := scoreAlgo(best, category, mkt)
	for _, algo := range scoredAlgos[1:] {
		if s := scoreAlgo(algo, category, mkt); s > bestScore {
			best, bestScore = algo, s
		}
	}
	return best, bestScore
}
