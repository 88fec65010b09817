package ticketnumber

import (
	"bytes"
	"context"
	"regexp"
	"testing"
)

var ticketIDPattern = regexp.MustCompile(`^[0-9A-Z]{8}$`)

func TestRandomUsesDefaultAlphabetAndLength(t *testing.T) {
	g := NewRandom(Config{})
	for i := 0; i < 50; i++ {
		id, err := g.Next(context.Background())
		if err != nil {
			t.Fatalf("Next returned error: %v", err)
		}
		if !ticketIDPattern.MatchString(id) {
			t.Fatalf("unexpected ticket id %q", id)
		}
	}
}

func TestRandomDeterministicSource(t *testing.T) {
	seed := bytes.Repeat([]byte{7, 42, 99, 3}, 64)
	a, err := NewRandomFrom(Config{Length: 6}, bytes.NewReader(seed)).Next(context.Background())
	if err != nil {
		t.Fatalf("Next returned error: %v", err)
	}
	b, err := NewRandomFrom(Config{Length: 6}, bytes.NewReader(seed)).Next(context.Background())
	if err != nil {
		t.Fatalf("Next returned error: %v", err)
	}
	if a != b || len(a) != 6 {
		t.Fatalf("expected identical 6-char ids, got %q and %q", a, b)
	}
}

func TestRandomCustomAlphabet(t *testing.T) {
	g := NewRandom(Config{Alphabet: "AB", Length: 12})
	id, err := g.Next(context.Background())
	if err != nil {
		t.Fatalf("Next returned error: %v", err)
	}
	if !regexp.MustCompile(`^[AB]{12}$`).MatchString(id) {
		t.Fatalf("unexpected id %q", id)
	}
}

func TestRandomHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewRandom(Config{}).Next(ctx); err == nil {
		t.Fatalf("expected error for cancelled context")
	}
}

func TestResolve(t *testing.T) {
	g, err := Resolve("Random", Config{})
	if err != nil || g.Name() != "Random" {
		t.Fatalf("expected Random generator, got %v %v", g, err)
	}
	if _, err := Resolve("", Config{}); err != nil {
		t.Fatalf("expected default generator, got %v", err)
	}
	if _, err := Resolve("DateChecksum", Config{}); err == nil {
		t.Fatalf("expected unknown generator error")
	}
}
