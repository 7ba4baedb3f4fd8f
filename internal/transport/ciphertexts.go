package transport

import (
	"context"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"

	"PrivateBilling/internal/fhe"
)

// DecodeCiphertexts parses a batch in parallel, keeping its order.
func DecodeCiphertexts(ctx context.Context, params fhe.Parameters, in []SlotCiphertext) ([]*fhe.Ciphertext, error) {
	out := make([]*fhe.Ciphertext, len(in))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))

	for i := range in {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			ct, err := fhe.UnmarshalCiphertext(params, in[i].Data)
			if err != nil {
				return fmt.Errorf("ciphertext %d (slot %q): %w", i, in[i].Slot, err)
			}
			out[i] = ct
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return out, nil
}
