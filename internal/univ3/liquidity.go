package univ3

import "math/big"

// mulDiv returns floor(a*b/denominator). Intermediate products are exact.
func mulDiv(a, b, denominator *big.Int) *big.Int {
	p := new(big.Int).Mul(a, b)
	return p.Div(p, denominator)
}

// mulDivRoundUp returns ceil(a*b/denominator).
func mulDivRoundUp(a, b, denominator *big.Int) *big.Int {
	p := new(big.Int).Mul(a, b)
	q, r := new(big.Int).QuoRem(p, denominator, new(big.Int))
	if r.Sign() != 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}

func divRoundUp(a, denominator *big.Int) *big.Int {
	q, r := new(big.Int).QuoRem(a, denominator, new(big.Int))
	if r.Sign() != 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}

func sortRatios(a, b *big.Int) (*big.Int, *big.Int) {
	if a.Cmp(b) > 0 {
		return b, a
	}
	return a, b
}

// Amount0Delta returns the token0 amount covered by liquidity between two
// sqrt ratios. roundUp selects the deposit-side (ceil) variant; withdrawals
// use floor.
func Amount0Delta(sqrtRatioA, sqrtRatioB, liquidity *big.Int, roundUp bool) *big.Int {
	a, b := sortRatios(sqrtRatioA, sqrtRatioB)
	if a.Sign() == 0 || a.Cmp(b) == 0 {
		return new(big.Int)
	}
	numerator1 := new(big.Int).Lsh(liquidity, 96)
	numerator2 := new(big.Int).Sub(b, a)
	if roundUp {
		return divRoundUp(mulDivRoundUp(numerator1, numerator2, b), a)
	}
	inner := mulDiv(numerator1, numerator2, b)
	return inner.Div(inner, a)
}

// Amount1Delta returns the token1 amount covered by liquidity between two
// sqrt ratios.
func Amount1Delta(sqrtRatioA, sqrtRatioB, liquidity *big.Int, roundUp bool) *big.Int {
	a, b := sortRatios(sqrtRatioA, sqrtRatioB)
	diff := new(big.Int).Sub(b, a)
	if roundUp {
		return mulDivRoundUp(liquidity, diff, Q96)
	}
	return mulDiv(liquidity, diff, Q96)
}

// LiquidityForAmount0 returns the largest L fully funded by amount0 across
// the band.
func LiquidityForAmount0(sqrtRatioA, sqrtRatioB, amount0 *big.Int) *big.Int {
	a, b := sortRatios(sqrtRatioA, sqrtRatioB)
	if a.Cmp(b) == 0 {
		return new(big.Int)
	}
	intermediate := mulDiv(a, b, Q96)
	return mulDiv(amount0, intermediate, new(big.Int).Sub(b, a))
}

// LiquidityForAmount1 returns the largest L fully funded by amount1 across
// the band.
func LiquidityForAmount1(sqrtRatioA, sqrtRatioB, amount1 *big.Int) *big.Int {
	a, b := sortRatios(sqrtRatioA, sqrtRatioB)
	if a.Cmp(b) == 0 {
		return new(big.Int)
	}
	return mulDiv(amount1, Q96, new(big.Int).Sub(b, a))
}

// LiquidityForAmounts returns the largest L both amounts can fund at the
// current sqrt price. Below the band only token0 funds; above it only
// token1; inside, the binding side wins.
func LiquidityForAmounts(sqrtRatioX, sqrtRatioA, sqrtRatioB, amount0, amount1 *big.Int) *big.Int {
	a, b := sortRatios(sqrtRatioA, sqrtRatioB)
	switch {
	case sqrtRatioX.Cmp(a) <= 0:
		return LiquidityForAmount0(a, b, amount0)
	case sqrtRatioX.Cmp(b) < 0:
		l0 := LiquidityForAmount0(sqrtRatioX, b, amount0)
		l1 := LiquidityForAmount1(a, sqrtRatioX, amount1)
		if l0.Cmp(l1) < 0 {
			return l0
		}
		return l1
	default:
		return LiquidityForAmount1(a, b, amount1)
	}
}

// AmountsForLiquidity returns the (amount0, amount1) a position of the given
// liquidity holds at the current sqrt price. roundUp=true gives the deposit
// amounts a mint will pull; roundUp=false the withdrawal estimate.
func AmountsForLiquidity(sqrtRatioX, sqrtRatioA, sqrtRatioB, liquidity *big.Int, roundUp bool) (*big.Int, *big.Int) {
	a, b := sortRatios(sqrtRatioA, sqrtRatioB)
	switch {
	case sqrtRatioX.Cmp(a) <= 0:
		return Amount0Delta(a, b, liquidity, roundUp), new(big.Int)
	case sqrtRatioX.Cmp(b) < 0:
		return Amount0Delta(sqrtRatioX, b, liquidity, roundUp),
			Amount1Delta(a, sqrtRatioX, liquidity, roundUp)
	default:
		return new(big.Int), Amount1Delta(a, b, liquidity, roundUp)
	}
}
