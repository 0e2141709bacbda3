package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilIndexerIsNoop(t *testing.T) {
	var m *Indexer
	m.EventApplied("Staked")
	m.Warning("clamp")
	m.Reorg(3)
	m.SetCursorBlock(10)
}

func TestCountersByLabel(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.EventApplied("Staked")
	m.EventApplied("Staked")
	m.Warning("")
	m.Reorg(4)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.eventsApplied.WithLabelValues("Staked")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.warnings.WithLabelValues("unknown")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reorgs))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.rolledBack))
}
