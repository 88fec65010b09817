package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestString(t *testing.T) {
	orig := Version
	t.Cleanup(func() { Version = orig })

	Version = "v1.2.0"
	assert.Contains(t, String(), "v1.2.0 (")
	assert.Equal(t, "v1.2.0", GetInfo().Version)
	assert.NotEmpty(t, GetInfo().GoVersion)
}
