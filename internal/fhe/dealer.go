package fhe

import (
	"fmt"

	"github.com/tuneinsight/lattigo/v6/core/rlwe"
	"github.com/tuneinsight/lattigo/v6/multiparty"
)

// Deal generates a fresh master key and splits it into n Shamir shares
// with threshold t. Core i receives the evaluation at point i+1. The master
// secret key is discarded before returning.
func Deal(params Parameters, n, t int) (*PublicKey, []*KeyShare, error) {
	if n < 1 || n > MaxCores {
		return nil, nil, fmt.Errorf("cluster size %d outside [1, %d]", n, MaxCores)
	}

	if t < 1 || t > n {
		return nil, nil, fmt.Errorf("threshold %d outside [1, %d]", t, n)
	}

	kgen := rlwe.NewKeyGenerator(params.params)
	sk, pk := kgen.GenKeyPairNew()

	thr := multiparty.NewThresholdizer(params.params)

	poly, err := thr.GenShamirPolynomial(t, sk)
	if err != nil {
		return nil, nil, fmt.Errorf("generate shamir polynomial:\n%w", err)
	}

	shares := make([]*KeyShare, n)
	for i := range shares {
		secret := thr.AllocateThresholdSecretShare()
		thr.GenShamirSecretShare(multiparty.ShamirPublicPoint(i+1), poly, &secret)

		shares[i] = &KeyShare{Index: i, secret: secret}
	}

	return &PublicKey{value: pk}, shares, nil
}
