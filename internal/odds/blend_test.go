package odds_test

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/alanyoungcy/oddsfeed/internal/domain"
	"github.com/alanyoungcy/oddsfeed/internal/odds"
)

func TestBlendSumsToOne(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	blenders := map[string]*odds.Blender{
		"liquidity": odds.NewBlender(odds.LiquidityWeight),
		"fixed":     odds.NewBlender(odds.FixedWeight(0.3)),
	}
	for name, b := range blenders {
		for i := 0; i <= 1000; i++ {
			p := float64(i) / 1000
			in := odds.Input{
				ExternalYes:       p,
				ExternalNo:        1 - p,
				InternalYesVolume: rng.Float64() * 1000 * float64(rng.Intn(2)),
				InternalNoVolume:  rng.Float64() * 1000,
				ExternalLiquidity: rng.Float64() * 5000,
			}
			r := b.Blend(in)
			assert.InDelta(t, 1.0, r.Yes+r.No, 1e-9, "%s p=%v", name, p)
			assert.GreaterOrEqual(t, r.Yes, 0.0)
			assert.LessOrEqual(t, r.Yes, 1.0)
		}
	}
}

func TestBlendExternalOnlyWithoutVolume(t *testing.T) {
	r := odds.Blend(odds.Input{ExternalYes: 0.7, ExternalNo: 0.3})
	assert.InDelta(t, 0.7, r.Yes, 1e-12)
	assert.InDelta(t, 0.3, r.No, 1e-12)
	assert.Equal(t, domain.SourceExternal, r.Source)
}

func TestBlendInternalOnlyWithoutExternal(t *testing.T) {
	r := odds.Blend(odds.Input{InternalYesVolume: 75, InternalNoVolume: 25})
	assert.InDelta(t, 0.75, r.Yes, 1e-12)
	assert.Equal(t, domain.SourceInternal, r.Source)

	r = odds.Blend(odds.Input{})
	assert.Equal(t, odds.Result{Yes: 0.5, No: 0.5, Source: domain.SourceInternal}, r)
}

func TestBlendLiquidityWeighting(t *testing.T) {
	// v = 100, L = 100 -> w = 0.5; internal = 0.8, external = 0.4.
	r := odds.Blend(odds.Input{
		ExternalYes: 0.4, ExternalNo: 0.6,
		InternalYesVolume: 80, InternalNoVolume: 20,
		ExternalLiquidity: 100,
	})
	assert.InDelta(t, 0.6, r.Yes, 1e-12)
	assert.InDelta(t, 0.4, r.No, 1e-12)
	assert.Equal(t, domain.SourceBlended, r.Source)

	// Internal volume dwarfs the venue: result approaches the internal price.
	r = odds.Blend(odds.Input{
		ExternalYes: 0.4, ExternalNo: 0.6,
		InternalYesVolume: 8e6, InternalNoVolume: 2e6,
		ExternalLiquidity: 100,
	})
	assert.InDelta(t, 0.8, r.Yes, 1e-4)
}

func TestBlendRenormalisesIndependentQuotes(t *testing.T) {
	r := odds.Blend(odds.Input{ExternalYes: 0.55, ExternalNo: 0.55})
	assert.InDelta(t, 0.5, r.Yes, 1e-12)
}

func TestBlendClampsGarbage(t *testing.T) {
	r := odds.Blend(odds.Input{ExternalYes: math.NaN(), ExternalNo: math.Inf(1), InternalYesVolume: -5})
	assert.InDelta(t, 1.0, r.Yes+r.No, 1e-12)

	r = odds.Blend(odds.Input{ExternalYes: 3})
	assert.Equal(t, 1.0, r.Yes)
	assert.Equal(t, 0.0, r.No)
}

func TestWeightFuncs(t *testing.T) {
	assert.Equal(t, 0.0, odds.LiquidityWeight(0, 100))
	assert.Equal(t, 1.0, odds.LiquidityWeight(10, 0))
	assert.InDelta(t, 0.25, odds.LiquidityWeight(100, 300), 1e-12)

	w := odds.FixedWeight(1.7)
	assert.Equal(t, 1.0, w(10, 100))
	assert.Equal(t, 0.0, w(0, 100))
	assert.Equal(t, 0.0, odds.Clamp(math.NaN()))
}
