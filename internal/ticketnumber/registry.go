package ticketnumber

import (
	"errors"
	"strings"
)

// Resolve maps a configured generator name to a concrete Generator.
// Valid: Random (default when empty).
func Resolve(name string, cfg Config) (Generator, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "random":
		return NewRandom(cfg), nil
	default:
		return nil, errors.New("unknown ticket id generator: " + name)
	}
}
