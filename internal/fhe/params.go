package fhe

import (
	"fmt"
	"sort"

	"github.com/tuneinsight/lattigo/v6/ring"
	"github.com/tuneinsight/lattigo/v6/schemes/bgv"
)

const (
	// PlaintextModulus is the BGV plaintext modulus; every reading and
	// every aggregate is computed modulo this prime.
	PlaintextModulus = 65537

	// MaxCores bounds the cluster size so that n! fits the noise budget
	// of the default parameter set during reconstruction.
	MaxCores = 20

	// MaxBatch bounds the number of ciphertexts combined in one session.
	MaxBatch = 4096

	// DefaultParameterSet is used when the cluster file names none.
	DefaultParameterSet = "default"
)

// parameterSets maps names to BGV parameter literals.
// "test" trades security for speed and must not be deployed.
var parameterSets = map[string]bgv.ParametersLiteral{
	"default": {
		LogN:             13,
		LogQ:             []int{54, 54, 54},
		LogP:             []int{55},
		PlaintextModulus: PlaintextModulus,
	},
	"test": {
		LogN:             12,
		LogQ:             []int{54, 54, 54},
		LogP:             []int{55},
		PlaintextModulus: PlaintextModulus,
	},
}

// smudging is the noise flooding distribution added to every partial decryption.
var smudging = ring.DiscreteGaussian{Sigma: 1 << 16, Bound: 6 << 16}

// Parameters wraps a named BGV parameter set.
type Parameters struct {
	name   string         // name identifies the set in cluster files
	params bgv.Parameters // params are the instantiated BGV parameters
}

// NewParameters instantiates the named parameter set.
func NewParameters(name string) (Parameters, error) {
	if name == "" {
		name = DefaultParameterSet
	}

	lit, ok := parameterSets[name]
	if !ok {
		return Parameters{}, fmt.Errorf("unknown parameter set %q (known: %v)", name, ParameterSetNames())
	}

	params, err := bgv.NewParametersFromLiteral(lit)
	if err != nil {
		return Parameters{}, fmt.Errorf("instantiate parameter set %q:\n%w", name, err)
	}

	return Parameters{name: name, params: params}, nil
}

// ParameterSetNames returns the known parameter set names, sorted.
func ParameterSetNames() []string {
	names := make([]string, 0, len(parameterSets))
	for name := range parameterSets {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// Name returns the parameter set name.
func (p Parameters) Name() string {
	return p.name
}

// Slots returns the number of plaintext slots per ciphertext.
func (p Parameters) Slots() int {
	return p.params.MaxSlots()
}

// PlaintextModulus returns the plaintext modulus of the set.
func (p Parameters) PlaintextModulus() uint64 {
	return p.params.PlaintextModulus()
}
