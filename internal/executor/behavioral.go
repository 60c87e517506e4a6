package executor

import (
	"log/slog"
	"math"
	"math/rand"
	"strconv"
	"time"

	"futures-exec/internal/config"
	"futures-exec/internal/intent"
	"futures-exec/pkg/types"
)

// Behavioral disguises execution as organic flow. Every random quantity in
// the schedule comes from a rand.Rand seeded from the intent ID, drawn in a
// fixed order (duration, slice count, weights, gaps), so the same intent
// always produces the same schedule and a restart replays it exactly.
type Behavioral struct {
	*book
	cfg config.BehavioralConfig
}

// NewBehavioral creates the disguise executor.
func NewBehavioral(cfg config.BehavioralConfig, logger *slog.Logger) *Behavioral {
	b := &Behavioral{cfg: cfg}
	b.book = newBook(types.AlgoBehavioral, b.buildSchedule, cfg.RetryCount, cfg.TimeoutSeconds, logger)
	return b
}

func (b *Behavioral) buildSchedule(it *intent.Intent) ([]*Slice, map[string]string, gateFunc, error) {
	seed := intent.Seed(it.ID)
	rng := rand.New(rand.NewSource(seed))

	// Draw 1: total duration.
	minD, maxD := b.cfg.MinDurationSeconds, b.cfg.MaxDurationSeconds
	if maxD < minD {
		maxD = minD
	}
	durationSec := minD
	if maxD > minD {
		durationSec += rng.Intn(maxD - minD + 1)
	}

	// Draw 2: slice count, scaled by the disguise pattern. Retail flow is
	// many small lots; institutional flow is few larger clips.
	n := b.sliceCount(rng, it.TargetQty)

	// Draw 3: per-slice weights.
	weights := b.sliceWeights(rng, n)

	// Draw 4: inter-arrival gaps.
	gaps := b.arrivalGaps(rng, n, time.Duration(durationSec)*time.Second)

	qtys := allocateByWeight(it.TargetQty, weights, 0)

	start := time.Now()
	at := start
	slices := make([]*Slice, 0, n)
	for i := 0; i < n; i++ {
		if i > 0 {
			at = at.Add(gaps[i-1])
		}
		if qtys[i] == 0 {
			continue
		}
		slices = append(slices, &Slice{
			Index:       len(slices),
			Qty:         qtys[i],
			Weight:      weights[i],
			ScheduledTs: at,
		})
	}

	meta := map[string]string{
		"seed":        strconv.FormatInt(seed, 10),
		"pattern":     b.cfg.Pattern,
		"slice_count": strconv.Itoa(len(slices)),
		"duration_s":  strconv.Itoa(durationSec),
	}
	return slices, meta, nil, nil
}

func (b *Behavioral) sliceCount(rng *rand.Rand, targetQty int64) int {
	lo, hi := b.cfg.MinSlices, b.cfg.MaxSlices
	if hi < lo {
		hi = lo
	}
	n := lo
	if hi > lo {
		n += rng.Intn(hi - lo + 1)
	}

	switch b.cfg.Pattern {
	case "RETAIL":
		n = int(math.Ceil(float64(n) * 1.5))
	case "INSTITUTIONAL":
		n = (n + 1) / 2
	}
	if n < lo {
		n = lo
	}
	if n > hi {
		n = hi
	}
	if int64(n) > targetQty {
		n = int(targetQty)
	}
	if n < 1 {
		n = 1
	}
	return n
}

// sliceWeights draws per-slice weights uniformly from [1-v, 1+v] for the
// configured size variance, then normalizes. NONE/TIMING noise keeps slices
// uniform.
func (b *Behavioral) sliceWeights(rng *rand.Rand, n int) []float64 {
	weights := make([]float64, n)
	sized := b.cfg.NoiseType == "SIZE" || b.cfg.NoiseType == "BOTH"
	var sum float64
	for i := range weights {
		w := 1.0
		if sized {
			w += (2*rng.Float64() - 1) * b.cfg.SizeVariance
			if w < 0.1 {
				w = 0.1
			}
		}
		weights[i] = w
		sum += w
	}
	for i := range weights {
		weights[i] /= sum
	}
	return weights
}

// arrivalGaps draws n-1 inter-arrival gaps jittered around the even spacing.
func (b *Behavioral) arrivalGaps(rng *rand.Rand, n int, total time.Duration) []time.Duration {
	if n <= 1 {
		return nil
	}
	base := total / time.Duration(n-1)
	jittered := b.cfg.NoiseType == "TIMING" || b.cfg.NoiseType == "BOTH"
	gaps := make([]time.Duration, n-1)
	for i := range gaps {
		g := base
		if jittered {
			f := 1.0 + rng.NormFloat64()*b.cfg.TimingVariance
			if f < 0.1 {
				f = 0.1
			}
			g = time.Duration(float64(base) * f)
		}
		if g < time.Second {
			g = time.Second
		}
		gaps[i] = g
	}
	return gaps
}

// DisguiseInfo describes the deterministic draw behind a behavioral plan.
type DisguiseInfo struct {
	Seed           int64
	Pattern        string
	SliceCount     int
	ExecutedSlices int
}

// DisguiseInfo reports the seed and pattern used for a plan, for audit and
// replay verification.
func (b *Behavioral) DisguiseInfo(planID string) (DisguiseInfo, bool) {
	p, ok := b.get(planID)
	if !ok {
		return DisguiseInfo{}, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	seed, _ := strconv.ParseInt(p.meta["seed"], 10, 64)
	executed := 0
	for _, s := range p.slices {
		if s.Executed && !s.Skipped {
			executed++
		}
	}
	return DisguiseInfo{
		Seed:           seed,
		Pattern:        p.meta["pattern"],
		SliceCount:     len(p.slices),
		ExecutedSlices: executed,
	}, true
}
