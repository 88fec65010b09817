package ticketnumber

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
)

// Random draws each character uniformly from the configured alphabet.
// Collisions are resolved by the caller retrying on models.ErrTicketIDTaken.
type Random struct {
	cfg Config
	src io.Reader
}

// NewRandom returns a generator backed by crypto/rand.
func NewRandom(cfg Config) *Random {
	return NewRandomFrom(cfg, rand.Reader)
}

// NewRandomFrom returns a generator reading entropy from src (tests pass a fixed reader).
func NewRandomFrom(cfg Config, src io.Reader) *Random {
	if src == nil {
		src = rand.Reader
	}
	return &Random{cfg: cfg.withDefaults(), src: src}
}

func (g *Random) Name() string { return "Random" }

func (g *Random) Next(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	max := big.NewInt(int64(len(g.cfg.Alphabet)))
	out := make([]byte, g.cfg.Length)
	for i := range out {
		n, err := rand.Int(g.src, max)
		if err != nil {
			return "", fmt.Errorf("ticketnumber: read entropy: %w", err)
		}
		out[i] = g.cfg.Alphabet[n.Int64()]
	}
	return string(out), nil
}
