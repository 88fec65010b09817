package ticketnumber

import "context"

// Generator defines contract for ticket id generators.
type Generator interface {
	Name() string
	Next(ctx context.Context) (string, error)
}

// Alphabet and length of the tenant-visible ticket id. Ids are embedded into
// outbound subjects as #<id>, so the alphabet must stay within [A-Za-z0-9].
const (
	DefaultAlphabet = "1234567890ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	DefaultLength   = 8
)

// Config needed by generators.
type Config struct {
	Alphabet string
	Length   int
}

func (c Config) withDefaults() Config {
	if c.Alphabet == "" {
		c.Alphabet = DefaultAlphabet
	}
	if c.Length <= 0 {
		c.Length = DefaultLength
	}
	return c
}
