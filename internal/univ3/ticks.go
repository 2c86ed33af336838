// Package univ3 implements the concentrated-liquidity math the engine needs:
// tick to sqrt-price conversion, liquidity and amount sizing, tick-spacing
// alignment, and percent-band derivation. All monetary math is exact
// *big.Int in Q96 fixed point; floats appear only in diagnostics and
// display helpers.
package univ3

import (
	"errors"
	"fmt"
	"math"
	"math/big"

	"github.com/shopspring/decimal"
)

const (
	// MinTick and MaxTick bound the addressable tick domain.
	MinTick = -887272
	MaxTick = 887272
)

var (
	// Q96 is the fixed-point scale, 2^96.
	Q96 = new(big.Int).Lsh(big.NewInt(1), 96)

	// MinSqrtRatio is SqrtRatioAtTick(MinTick).
	MinSqrtRatio = big.NewInt(4295128739)

	// MaxSqrtRatio is SqrtRatioAtTick(MaxTick). The valid sqrt-price domain
	// is [MinSqrtRatio, MaxSqrtRatio).
	MaxSqrtRatio = mustBig("1461446703485210103287273052203988822378723970342")

	maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	mask32     = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 32), big.NewInt(1))
)

var (
	ErrTickOutOfDomain  = errors.New("tick out of domain")
	ErrInvalidSqrtPrice = errors.New("sqrt price out of domain")
	ErrInvalidTickRange = errors.New("invalid tick range")
	ErrUnsupportedFee   = errors.New("unsupported fee tier")
)

// tickSpacings maps supported fee tiers (hundredths of a bip) to their
// tick spacing.
var tickSpacings = map[int]int{
	100:   1,
	500:   10,
	2500:  50,
	3000:  60,
	10000: 200,
}

// ladder holds the Q128.128 multipliers for each bit of |tick|, index i
// corresponding to bit 1<<i.
var ladder = [...]*big.Int{
	mustHex("fff97272373d413259a46990580e213a"),
	mustHex("fff2e50f5f656932ef12357cf3c7fdcc"),
	mustHex("ffe5caca7e10e4e61c3624eaa0941cd0"),
	mustHex("ffcb9843d60f6159c9db58835c926644"),
	mustHex("ff973b41fa98c081472e6896dfb254c0"),
	mustHex("ff2ea16466c96a3843ec78b326b52861"),
	mustHex("fe5dee046a99a2a811c461f1969c3053"),
	mustHex("fcbe86c7900a88aedcffc83b479aa3a4"),
	mustHex("f987a7253ac413176f2b074cf7815e54"),
	mustHex("f3392b0822b70005940c7a398e4b70f3"),
	mustHex("e7159475a2c29b7443b29c7fa6e889d9"),
	mustHex("d097f3bdfd2022b8845ad8f792aa5825"),
	mustHex("a9f746462d870fdf8a65dc1f90e061e5"),
	mustHex("70d869a156d2a1b890bb3df62baf32f7"),
	mustHex("31be135f97d08fd981231505542fcfa6"),
	mustHex("9aa508b5b7a84e1c677de54f3e99bc9"),
	mustHex("5d6af8dedb81196699c329225ee604"),
	mustHex("2216e584f5fa1ea926041bedfe98"),
	mustHex("48a170391f7dc42444e8fa2"),
}

var (
	ladderBit0 = mustHex("fffcb933bd6fad37aa2d162d1a594001")
	one128     = mustHex("100000000000000000000000000000000")
)

// SqrtRatioAtTick returns sqrt(1.0001^tick) as a Q64.96 value.
func SqrtRatioAtTick(tick int) (*big.Int, error) {
	if tick < MinTick || tick > MaxTick {
		return nil, fmt.Errorf("%w: %d", ErrTickOutOfDomain, tick)
	}

	absTick := tick
	if absTick < 0 {
		absTick = -absTick
	}

	ratio := new(big.Int)
	if absTick&1 != 0 {
		ratio.Set(ladderBit0)
	} else {
		ratio.Set(one128)
	}
	for i, m := range ladder {
		if absTick&(1<<(i+1)) != 0 {
			ratio.Mul(ratio, m)
			ratio.Rsh(ratio, 128)
		}
	}

	if tick > 0 {
		ratio.Div(maxUint256, ratio)
	}

	// Q128.128 to Q64.96, rounding up.
	rem := new(big.Int).And(ratio, mask32)
	ratio.Rsh(ratio, 32)
	if rem.Sign() != 0 {
		ratio.Add(ratio, big.NewInt(1))
	}
	return ratio, nil
}

// TickAtSqrtRatio returns the largest tick whose sqrt ratio is <= the given
// value. The estimate comes from float logs and is corrected against the
// exact ladder, so the bracket invariant holds despite float error. Used for
// diagnostics and display; the mint path never depends on it.
func TickAtSqrtRatio(sqrtPriceX96 *big.Int) (int, error) {
	if sqrtPriceX96 == nil || sqrtPriceX96.Cmp(MinSqrtRatio) < 0 || sqrtPriceX96.Cmp(MaxSqrtRatio) >= 0 {
		return 0, ErrInvalidSqrtPrice
	}

	f, _ := new(big.Float).SetInt(sqrtPriceX96).Float64()
	ratio := f / math.Ldexp(1, 96)
	tick := int(math.Round(math.Log(ratio*ratio) / math.Log(1.0001)))
	if tick < MinTick {
		tick = MinTick
	}
	if tick > MaxTick {
		tick = MaxTick
	}

	for tick > MinTick {
		r, err := SqrtRatioAtTick(tick)
		if err != nil {
			return 0, err
		}
		if r.Cmp(sqrtPriceX96) <= 0 {
			break
		}
		tick--
	}
	for tick < MaxTick {
		r, err := SqrtRatioAtTick(tick + 1)
		if err != nil {
			return 0, err
		}
		if r.Cmp(sqrtPriceX96) > 0 {
			break
		}
		tick++
	}
	return tick, nil
}

// AlignMode selects the alignment direction for AlignTick.
type AlignMode int

const (
	AlignFloor AlignMode = iota // toward negative infinity
	AlignCeil                   // toward positive infinity
)

// AlignTick snaps a tick to a multiple of spacing. Floor alignment moves
// toward negative infinity, which matters for negative ticks.
func AlignTick(tick, spacing int, mode AlignMode) int {
	if spacing <= 0 {
		return tick
	}
	q := tick / spacing
	if tick%spacing != 0 && tick < 0 {
		q--
	}
	floor := q * spacing
	if mode == AlignCeil && floor != tick {
		return floor + spacing
	}
	return floor
}

// SpacingForFee returns the tick spacing for a supported fee tier.
func SpacingForFee(fee int) (int, error) {
	s, ok := tickSpacings[fee]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnsupportedFee, fee)
	}
	return s, nil
}

// SupportedFees lists the configured fee tiers in ascending order.
func SupportedFees() []int {
	return []int{100, 500, 2500, 3000, 10000}
}

// BandForPercents translates signed percent offsets around the current tick
// into an aligned tick band. One percent maps to one hundred ticks; the
// lower bound floors and the upper bound ceils, widening outward so the band
// never collapses from alignment alone.
func BandForPercents(currentTick int, lowerPct, upperPct float64, spacing int) (int, int, error) {
	if lowerPct >= upperPct {
		return 0, 0, fmt.Errorf("%w: lower %.4f%% >= upper %.4f%%", ErrInvalidTickRange, lowerPct, upperPct)
	}
	rawLower := currentTick + int(math.Round(lowerPct*100))
	rawUpper := currentTick + int(math.Round(upperPct*100))

	lower := AlignTick(rawLower, spacing, AlignFloor)
	upper := AlignTick(rawUpper, spacing, AlignCeil)

	if err := CheckBand(lower, upper, spacing); err != nil {
		return 0, 0, err
	}
	return lower, upper, nil
}

// CheckBand validates a tick band: ordered, inside the domain, and aligned
// to the spacing.
func CheckBand(lower, upper, spacing int) error {
	if lower >= upper {
		return fmt.Errorf("%w: lower %d >= upper %d", ErrInvalidTickRange, lower, upper)
	}
	if lower < MinTick || upper > MaxTick {
		return fmt.Errorf("%w: [%d, %d] outside domain", ErrInvalidTickRange, lower, upper)
	}
	if spacing > 0 && (AlignTick(lower, spacing, AlignFloor) != lower || AlignTick(upper, spacing, AlignFloor) != upper) {
		return fmt.Errorf("%w: [%d, %d] not aligned to spacing %d", ErrInvalidTickRange, lower, upper, spacing)
	}
	return nil
}

// PriceFromSqrtX96 converts a Q64.96 sqrt price into a human token1/token0
// price adjusted for decimals. Display and valuation precision only.
func PriceFromSqrtX96(sqrtPriceX96 *big.Int, decimals0, decimals1 int) decimal.Decimal {
	if sqrtPriceX96 == nil || sqrtPriceX96.Sign() == 0 {
		return decimal.Zero
	}
	s := decimal.NewFromBigInt(sqrtPriceX96, 0).DivRound(decimal.NewFromBigInt(Q96, 0), 40)
	price := s.Mul(s)
	shift := decimals0 - decimals1
	if shift != 0 {
		price = price.Mul(decimal.New(1, int32(shift)))
	}
	return price
}

// PriceAtTick is PriceFromSqrtX96 at an exact tick.
func PriceAtTick(tick int, decimals0, decimals1 int) (decimal.Decimal, error) {
	sqrt, err := SqrtRatioAtTick(tick)
	if err != nil {
		return decimal.Zero, err
	}
	return PriceFromSqrtX96(sqrt, decimals0, decimals1), nil
}

func mustHex(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 16)
	if !ok {
		panic("univ3: bad hex constant " + s)
	}
	return v
}

func mustBig(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic("univ3: bad integer constant " + s)
	}
	return v
}
