package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCountersIncrement(t *testing.T) {
	before := testutil.ToFloat64(InboundMessages.WithLabelValues("duplicate"))
	InboundMessages.WithLabelValues("duplicate").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(InboundMessages.WithLabelValues("duplicate")))

	Merges.WithLabelValues("thread", Bool(true)).Inc()
	assert.GreaterOrEqual(t, testutil.ToFloat64(Merges.WithLabelValues("thread", "true")), 1.0)
}

func TestBool(t *testing.T) {
	assert.Equal(t, "true", Bool(true))
	assert.Equal(t, "false", Bool(false))
}
