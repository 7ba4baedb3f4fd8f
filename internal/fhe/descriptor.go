package fhe

import "fmt"

// Function names an aggregation over a ciphertext batch.
type Function string

const (
	// FunctionSum adds every ciphertext of the batch.
	FunctionSum Function = "sum"

	// FunctionWeightedSum multiplies ciphertext i by Weights[i] before adding.
	FunctionWeightedSum Function = "weighted_sum"
)

// Descriptor describes the aggregation applied to a batch.
type Descriptor struct {
	Function Function // Function selects the aggregation
	Weights  []uint64 // Weights holds one plaintext scalar per ciphertext (weighted_sum only)
	Width    int      // Width is the number of meaningful slots in the result
	Cycle    uint64   // Cycle is the billing cycle the batch belongs to (0 when unset)
}

// Validate checks the descriptor against a batch of the given size.
func (d Descriptor) Validate(batchSize int, slots int) error {
	if batchSize == 0 {
		return fmt.Errorf("%w: empty batch", ErrInvalidDescriptor)
	}

	if batchSize > MaxBatch {
		return fmt.Errorf("%w: batch of %d exceeds %d", ErrInvalidDescriptor, batchSize, MaxBatch)
	}

	if d.Width < 1 || d.Width > slots {
		return fmt.Errorf("%w: width %d outside [1, %d]", ErrInvalidDescriptor, d.Width, slots)
	}

	switch d.Function {
	case FunctionSum:
		if len(d.Weights) != 0 {
			return fmt.Errorf("%w: sum takes no weights", ErrInvalidDescriptor)
		}

	case FunctionWeightedSum:
		if len(d.Weights) != batchSize {
			return fmt.Errorf("%w: %d weights for %d ciphertexts", ErrInvalidDescriptor, len(d.Weights), batchSize)
		}

		for i, w := range d.Weights {
			if w >= PlaintextModulus {
				return fmt.Errorf("%w: weight %d at %d not below %d", ErrInvalidDescriptor, w, i, PlaintextModulus)
			}
		}

	default:
		return fmt.Errorf("%w: unknown function %q", ErrInvalidDescriptor, d.Function)
	}

	return nil
}
