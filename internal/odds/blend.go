// Package odds blends the venue reference price with internally matched
// volume into the probability that is published.
package odds

import (
	"math"

	"github.com/alanyoungcy/oddsfeed/internal/domain"
)

// Input carries one blend computation. ExternalNo may be zero, in which case
// it is taken as 1 - ExternalYes.
type Input struct {
	ExternalYes       float64
	ExternalNo        float64
	InternalYesVolume float64
	InternalNoVolume  float64
	ExternalLiquidity float64
}

// Result is the published binary probability pair.
type Result struct {
	Yes    float64
	No     float64
	Source domain.OddsSource
}

// WeightFunc returns the weight in [0,1] given to the internal price for a
// total internal volume and the venue liquidity hint.
type WeightFunc func(internalVolume, externalLiquidity float64) float64

// LiquidityWeight grows the internal share as internal volume approaches the
// venue liquidity: w = v / (v + L). With no liquidity hint internal volume
// takes over entirely.
func LiquidityWeight(internalVolume, externalLiquidity float64) float64 {
	if internalVolume <= 0 {
		return 0
	}
	if externalLiquidity <= 0 {
		return 1
	}
	return internalVolume / (internalVolume + externalLiquidity)
}

// FixedWeight always gives the internal price weight w.
func FixedWeight(w float64) WeightFunc {
	w = clamp(w)
	return func(internalVolume, _ float64) float64 {
		if internalVolume <= 0 {
			return 0
		}
		return w
	}
}

// Blender computes published odds with a pluggable weighting policy.
type Blender struct {
	weight WeightFunc
}

// NewBlender returns a Blender using weight, or LiquidityWeight when nil.
func NewBlender(weight WeightFunc) *Blender {
	if weight == nil {
		weight = LiquidityWeight
	}
	return &Blender{weight: weight}
}

// Blend computes the published pair. A missing external price means internal
// only; no internal volume returns the external price unchanged. The result is
// clamped and sums to 1.
func (b *Blender) Blend(in Input) Result {
	extYes, hasExternal := externalYes(in)
	volume := math.Max(in.InternalYesVolume, 0) + math.Max(in.InternalNoVolume, 0)

	switch {
	case !hasExternal && volume <= 0:
		return Result{Yes: 0.5, No: 0.5, Source: domain.SourceInternal}
	case !hasExternal:
		yes := internalYes(in, volume)
		return Result{Yes: yes, No: 1 - yes, Source: domain.SourceInternal}
	case volume <= 0:
		return Result{Yes: extYes, No: 1 - extYes, Source: domain.SourceExternal}
	}

	w := clamp(b.weight(volume, in.ExternalLiquidity))
	yes := clamp(w*internalYes(in, volume) + (1-w)*extYes)
	source := domain.SourceBlended
	switch w {
	case 0:
		source = domain.SourceExternal
	case 1:
		source = domain.SourceInternal
	}
	return Result{Yes: yes, No: 1 - yes, Source: source}
}

// Blend runs the default liquidity-weighted policy.
func Blend(in Input) Result {
	return defaultBlender.Blend(in)
}

var defaultBlender = NewBlender(LiquidityWeight)

// externalYes derives the normalised YES reference. Both sides are
// renormalised when the venue quotes them independently.
func externalYes(in Input) (float64, bool) {
	yes, no := sanitize(in.ExternalYes), sanitize(in.ExternalNo)
	switch {
	case yes <= 0 && no <= 0:
		return 0, false
	case no <= 0:
		return clamp(yes), true
	case yes <= 0:
		return clamp(1 - no), true
	default:
		return clamp(yes / (yes + no)), true
	}
}

func internalYes(in Input, volume float64) float64 {
	return clamp(math.Max(in.InternalYesVolume, 0) / volume)
}

func sanitize(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

// Clamp bounds p to [0,1]; NaN maps to 0.
func Clamp(p float64) float64 { return clamp(p) }

func clamp(p float64) float64 {
	switch {
	case math.IsNaN(p), p < 0:
		return 0
	case p > 1:
		return 1
	default:
		return p
	}
}
