package store

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/pkg/errors"
)

const maxCodeAttempts = 20000

// VipCodes is the reserved pool seeded on first start.
func VipCodes() []string {
	seen := map[string]struct{}{}
	var out []string
	add := func(code string) {
		if _, ok := seen[code]; ok {
			return
		}
		seen[code] = struct{}{}
		out = append(out, code)
	}
	for i := 1; i <= 9; i++ {
		add(fmt.Sprintf("%04d", i))
	}
	for i := 1; i <= 9; i++ {
		add(fmt.Sprintf("%d000", i))
	}
	for i := 1; i <= 9; i++ {
		add(fmt.Sprintf("%d%d%d%d", i, i, i, i))
	}
	for a := 1; a <= 9; a++ {
		for b := 0; b <= 9; b++ {
			if a != b {
				add(fmt.Sprintf("%d%d%d%d", a, b, b, a))
			}
		}
	}
	for _, seq := range []string{"1234", "2345", "3456", "4567", "5678", "6789"} {
		add(seq)
	}
	return out
}

func randomCode(rng *rand.Rand) string {
	return fmt.Sprintf("%04d", rng.Intn(9999)+1)
}

// generateCode draws random codes until taken reports a free one.
func generateCode(ctx context.Context, rng *rand.Rand, taken func(context.Context, string) (bool, error)) (string, error) {
	for i := 0; i < maxCodeAttempts; i++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		code := randomCode(rng)
		used, err := taken(ctx, code)
		if err != nil {
			return "", err
		}
		if !used {
			return code, nil
		}
	}
	return "", errors.Wrap(ErrCodeUnavailable, "personal code space exhausted")
}
