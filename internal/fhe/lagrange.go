package fhe

import (
	"fmt"
	"math/big"
)

// lagrangeCoefficients returns Δ = n! and the integers Δ·λ_i for the
// Core indices given, where λ_i are the Lagrange coefficients at zero for
// the evaluation points index+1. Scaling by Δ keeps every coefficient
// integral, so multiplying the noisy shares never amplifies noise by a
// modular inverse.
func lagrangeCoefficients(indices []int, n int) (*big.Int, []*big.Int, error) {
	delta := new(big.Int).MulRange(1, int64(n))

	coeffs := make([]*big.Int, len(indices))
	rem := new(big.Int)

	for i, xi := range indices {
		num := new(big.Int).Set(delta)
		den := big.NewInt(1)

		for j, xj := range indices {
			if i == j {
				continue
			}

			if xi == xj {
				return nil, nil, fmt.Errorf("repeated index %d", xi)
			}

			num.Mul(num, big.NewInt(int64(xj+1)))
			den.Mul(den, big.NewInt(int64(xj-xi)))
		}

		q := new(big.Int)
		q.QuoRem(num, den, rem)

		if rem.Sign() != 0 {
			return nil, nil, fmt.Errorf("coefficient for index %d is not integral", xi)
		}

		coeffs[i] = q
	}

	return delta, coeffs, nil
}
