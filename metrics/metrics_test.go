package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, g.Write(&m))
	return m.GetGauge().GetValue()
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestCollector_FreeDescriptors(t *testing.T) {
	c := NewCollector(QueueRx)
	c.FreeDescriptors(128)
	assert.Equal(t, float64(128), gaugeValue(t, c.freeDescriptors))
}

func TestCollector_KickedAndWaitResolved(t *testing.T) {
	c := NewCollector(QueueTx)
	c.Kicked()
	c.Kicked()
	c.WaitResolved()
	assert.Equal(t, float64(2), counterValue(t, c.kicksTotal))
	assert.Equal(t, float64(1), counterValue(t, c.interruptsTotal))
}

func TestCollector_PacketCounters(t *testing.T) {
	rx := NewCollector(QueueRx)
	tx := NewCollector(QueueTx)

	before := counterValue(t, rxPacketsTotal)
	rx.RxPacketDelivered()
	assert.Equal(t, before+1, counterValue(t, rxPacketsTotal))

	beforeTx := counterValue(t, txPacketsTotal)
	tx.TxPacketCompleted()
	assert.Equal(t, beforeTx+1, counterValue(t, txPacketsTotal))

	beforeFail := counterValue(t, rxRefillFailuresTotal)
	rx.RxRefillFailure()
	assert.Equal(t, beforeFail+1, counterValue(t, rxRefillFailuresTotal))
}

func TestMustRegister_PanicsOnDuplicate(t *testing.T) {
	reg := prometheus.NewRegistry()
	MustRegister(reg)
	assert.Panics(t, func() { MustRegister(reg) })
}
