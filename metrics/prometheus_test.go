package metrics

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.InstanceStarted(1)
		m.RoundChanged(1, 2)
		m.InstanceDecided(1)
		m.SetLastDecided(1)
		m.IncrementMessagesSent("PREPARE")
		m.IncrementMessagesReceived("PREPARE")
		m.IncrementRetransmissions()
		m.IncrementRetransmitGiveUps()
		m.IncrementDuplicates()
		m.IncrementInvalidSignatures()
		m.RecordMessageProcessingTime("COMMIT", time.Millisecond)
		m.RecordBlockApplied(time.Millisecond, 1, 0)
		m.SetWorkersActive("consensus", 1)
		m.WorkerTaskDone("consensus", false)
	})
}

func TestInstanceLifecycle(t *testing.T) {
	m := NewMetrics("ledger", nil)

	m.InstanceStarted(3)
	m.InstanceStarted(3)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.instancesStarted), "a restart of the same instance counts once")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.currentRound.WithLabelValues("3")))

	m.RoundChanged(3, 2)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.roundChanges))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.currentRound.WithLabelValues("3")))

	m.InstanceDecided(3)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.instancesDecided))
	assert.Equal(t, 1, testutil.CollectAndCount(m.decisionLatency))

	m.SetLastDecided(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.lastDecided))
}

func TestLinkAndLedgerCounters(t *testing.T) {
	m := NewMetrics("ledger", nil)

	m.IncrementMessagesSent("COMMIT")
	m.IncrementMessagesSent("COMMIT")
	m.IncrementMessagesReceived("PREPARE")
	m.IncrementDuplicates()
	m.IncrementInvalidSignatures()
	m.RecordBlockApplied(time.Millisecond, 3, 1)
	m.WorkerTaskDone("client", true)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.messagesSent.WithLabelValues("COMMIT")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.messagesReceived.WithLabelValues("PREPARE")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.duplicates))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.invalidSigs))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.requestsApplied.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requestsApplied.WithLabelValues("failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.workerTasksTotal.WithLabelValues("client", "failed")))
}

func TestServerExposesRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("ledger", reg)
	m.SetLastDecided(5)

	srv := NewServer("127.0.0.1:0", reg)
	require.NoError(t, srv.Start())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
	}()

	resp, err := http.Get("http://" + srv.Addr() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "ledger_consensus_last_decided_instance 5")
}
