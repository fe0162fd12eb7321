// Package metrics provides Prometheus metrics for the ledger node: consensus
// progress, perfect link traffic and ledger application.
package metrics

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors of one node. A nil *Metrics is a
// valid no-op receiver so components can run without instrumentation.
type Metrics struct {
	mu sync.Mutex

	// Consensus metrics
	instancesStarted prometheus.Counter   // 시작한 합의 인스턴스 수
	instancesDecided prometheus.Counter   // 결정된 인스턴스 수
	decisionLatency  prometheus.Histogram // 시작부터 결정까지 걸린 시간
	lastDecided      prometheus.Gauge     // 원장에 적용된 마지막 인스턴스
	currentRound     *prometheus.GaugeVec // 인스턴스별 현재 라운드
	roundChanges     prometheus.Counter   // 라운드 변경 횟수

	// Link metrics
	messagesSent     *prometheus.CounterVec // 타입별 전송 메시지 수
	messagesReceived *prometheus.CounterVec // 타입별 수신 메시지 수
	retransmissions  prometheus.Counter
	retransmitGiveUp prometheus.Counter
	duplicates       prometheus.Counter
	invalidSigs      prometheus.Counter

	// Ledger metrics
	blockApplyTime   prometheus.Histogram // 블록 적용 시간
	requestsApplied  *prometheus.CounterVec
	handlerTime      *prometheus.HistogramVec
	workersActive    *prometheus.GaugeVec
	workerTasksTotal *prometheus.CounterVec

	startTimes map[int]time.Time
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// uses a fresh private registry, which keeps parallel tests from colliding on
// the global default registerer.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		startTimes: make(map[int]time.Time),
	}

	m.instancesStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "consensus_instances_started_total",
		Help:      "Total number of consensus instances this node started or joined",
	})
	m.instancesDecided = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "consensus_instances_decided_total",
		Help:      "Total number of consensus instances decided",
	})
	m.decisionLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "consensus_decision_seconds",
		Help:      "Time from instance start to decision in seconds",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16), // 1ms to ~65s
	})
	m.lastDecided = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "consensus_last_decided_instance",
		Help:      "Highest instance applied to the ledger",
	})
	m.currentRound = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "consensus_current_round",
		Help:      "Current round of an undecided instance",
	}, []string{"instance"})
	m.roundChanges = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "consensus_round_changes_total",
		Help:      "Total number of local round changes",
	})

	m.messagesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "link_messages_sent_total",
		Help:      "Total number of messages sent by type",
	}, []string{"type"})
	m.messagesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "link_messages_received_total",
		Help:      "Total number of verified messages received by type",
	}, []string{"type"})
	m.retransmissions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "link_retransmissions_total",
		Help:      "Total number of unacknowledged messages sent again",
	})
	m.retransmitGiveUp = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "link_retransmit_give_ups_total",
		Help:      "Messages abandoned after the configured maximum attempts",
	})
	m.duplicates = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "link_duplicates_total",
		Help:      "Total number of duplicate deliveries suppressed",
	})
	m.invalidSigs = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "link_invalid_signatures_total",
		Help:      "Total number of datagrams dropped for failing verification",
	})

	m.blockApplyTime = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "ledger_block_apply_seconds",
		Help:      "Time to apply a decided block to the ledger",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14), // 0.1ms to ~1.6s
	})
	m.requestsApplied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ledger_requests_total",
		Help:      "Client requests applied by outcome",
	}, []string{"outcome"})
	m.handlerTime = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "message_processing_seconds",
		Help:      "Time to process messages by type",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 12), // 0.1ms to ~400ms
	}, []string{"type"})
	m.workersActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "worker_pool_active",
		Help:      "Handlers currently running per pool",
	}, []string{"pool"})
	m.workerTasksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "worker_pool_tasks_total",
		Help:      "Handlers finished per pool and outcome",
	}, []string{"pool", "outcome"})

	reg.MustRegister(
		m.instancesStarted,
		m.instancesDecided,
		m.decisionLatency,
		m.lastDecided,
		m.currentRound,
		m.roundChanges,
		m.messagesSent,
		m.messagesReceived,
		m.retransmissions,
		m.retransmitGiveUp,
		m.duplicates,
		m.invalidSigs,
		m.blockApplyTime,
		m.requestsApplied,
		m.handlerTime,
		m.workersActive,
		m.workerTasksTotal,
	)

	return m
}

// InstanceStarted records that consensus instance started locally.
func (m *Metrics) InstanceStarted(instance int) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if _, ok := m.startTimes[instance]; !ok {
		m.startTimes[instance] = time.Now()
		m.instancesStarted.Inc()
	}
	m.mu.Unlock()
	m.currentRound.WithLabelValues(strconv.Itoa(instance)).Set(1)
}

// InstanceDecided records the decision of instance.
func (m *Metrics) InstanceDecided(instance int) {
	if m == nil {
		return
	}
	m.mu.Lock()
	start, ok := m.startTimes[instance]
	delete(m.startTimes, instance)
	m.mu.Unlock()

	m.instancesDecided.Inc()
	if ok {
		m.decisionLatency.Observe(time.Since(start).Seconds())
	}
	m.currentRound.DeleteLabelValues(strconv.Itoa(instance))
}

// SetLastDecided sets the highest applied instance.
func (m *Metrics) SetLastDecided(instance int) {
	if m == nil {
		return
	}
	m.lastDecided.Set(float64(instance))
}

// RoundChanged records a local round change of instance.
func (m *Metrics) RoundChanged(instance, round int) {
	if m == nil {
		return
	}
	m.roundChanges.Inc()
	m.currentRound.WithLabelValues(strconv.Itoa(instance)).Set(float64(round))
}

// IncrementMessagesSent increments the messages sent counter.
func (m *Metrics) IncrementMessagesSent(msgType string) {
	if m == nil {
		return
	}
	m.messagesSent.WithLabelValues(msgType).Inc()
}

// IncrementMessagesReceived increments the messages received counter.
func (m *Metrics) IncrementMessagesReceived(msgType string) {
	if m == nil {
		return
	}
	m.messagesReceived.WithLabelValues(msgType).Inc()
}

// IncrementRetransmissions counts one repeated transmission.
func (m *Metrics) IncrementRetransmissions() {
	if m == nil {
		return
	}
	m.retransmissions.Inc()
}

// IncrementRetransmitGiveUps counts a message dropped after max attempts.
func (m *Metrics) IncrementRetransmitGiveUps() {
	if m == nil {
		return
	}
	m.retransmitGiveUp.Inc()
}

// IncrementDuplicates counts a suppressed duplicate delivery.
func (m *Metrics) IncrementDuplicates() {
	if m == nil {
		return
	}
	m.duplicates.Inc()
}

// IncrementInvalidSignatures counts a datagram that failed verification.
func (m *Metrics) IncrementInvalidSignatures() {
	if m == nil {
		return
	}
	m.invalidSigs.Inc()
}

// RecordMessageProcessingTime records the time to process a message.
func (m *Metrics) RecordMessageProcessingTime(msgType string, duration time.Duration) {
	if m == nil {
		return
	}
	m.handlerTime.WithLabelValues(msgType).Observe(duration.Seconds())
}

// RecordBlockApplied records a block application and its per-request outcomes.
func (m *Metrics) RecordBlockApplied(duration time.Duration, succeeded, failed int) {
	if m == nil {
		return
	}
	m.blockApplyTime.Observe(duration.Seconds())
	m.requestsApplied.WithLabelValues("success").Add(float64(succeeded))
	m.requestsApplied.WithLabelValues("failure").Add(float64(failed))
}

// SetWorkersActive sets the number of running handlers of pool.
func (m *Metrics) SetWorkersActive(pool string, n int64) {
	if m == nil {
		return
	}
	m.workersActive.WithLabelValues(pool).Set(float64(n))
}

// WorkerTaskDone counts a finished handler of pool.
func (m *Metrics) WorkerTaskDone(pool string, failed bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	if failed {
		outcome = "failed"
	}
	m.workerTasksTotal.WithLabelValues(pool, outcome).Inc()
}

// Server exposes 프로메테우스 매트릭 over HTTP on /metrics.
type Server struct {
	addr   string
	server *http.Server
	ln     net.Listener
}

// NewServer creates a metrics HTTP server for the collectors gathered by g.
func NewServer(addr string, g prometheus.Gatherer) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))

	return &Server{
		addr: addr,
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.ln = ln
	go func() {
		// Shutdown이 호출되면 ErrServerClosed로 반환됨
		_ = s.server.Serve(ln)
	}()
	return nil
}

// Addr returns the bound address, useful when addr used port 0.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.addr
	}
	return s.ln.Addr().String()
}

// Stop shuts the metrics server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
