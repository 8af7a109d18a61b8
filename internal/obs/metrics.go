package obs

import (
	"sync/atomic"
	"time"

	"relay/internal/schema"
)

var (
	_statuses = []schema.OrderStatus{
		schema.OrderStatusPending,
		schema.OrderStatusPlaced,
		schema.OrderStatusFilled,
		schema.OrderStatusPartiallyFilled,
		schema.OrderStatusRejected,
		schema.OrderStatusCancelled,
		schema.OrderStatusError,
	}
	_reasons = []schema.RejectReason{
		schema.RejectReasonInsufficientFunds,
		schema.RejectReasonBelowMinimum,
		schema.RejectReasonInvalidSignal,
	}
)

func statusIndex(s schema.OrderStatus) int {
	for i, v := range _statuses {
		if v == s {
			return i
		}
	}
	return -1
}

func reasonIndex(r schema.RejectReason) int {
	for i, v := range _reasons {
		if v == r {
			return i
		}
	}
	return -1
}

// Metrics collects engine counters and latency stats.
type Metrics struct {
	outcomes [7]atomic.Uint64
	rejects  [3]atomic.Uint64

	signals      atomic.Uint64
	cancels      atomic.Uint64
	placeRetries atomic.Uint64
	panics       atomic.Uint64
	sheds        atomic.Uint64
	published    atomic.Uint64
	publishFails atomic.Uint64

	dispatchLatency LatencyStats
	placeLatency    LatencyStats
	confirmLatency  LatencyStats
}

// LatencyStats aggregates duration samples in nanoseconds.
type LatencyStats struct {
	count atomic.Uint64
	sum   atomic.Uint64
	min   atomic.Uint64
	max   atomic.Uint64
}

// LatencySnapshot is a point-in-time view of latency stats.
type LatencySnapshot struct {
	Count uint64
	Min   time.Duration
	Max   time.Duration
	Avg   time.Duration
}

// Snapshot captures the current metrics values.
type Snapshot struct {
	Outcomes        map[schema.OrderStatus]uint64
	Rejects         map[schema.RejectReason]uint64
	Signals         uint64
	Cancels         uint64
	PlaceRetries    uint64
	Panics          uint64
	Sheds           uint64
	Published       uint64
	PublishFailures uint64
	Dispatch        LatencySnapshot
	Place           LatencySnapshot
	Confirm         LatencySnapshot
}

func NewMetrics() *Metrics {
	return &Metrics{}
}

// ObserveOutcome counts a persisted outcome transition.
func (m *Metrics) ObserveOutcome(status schema.OrderStatus) {
	if m == nil {
		return
	}
	if i := statusIndex(status); i >= 0 {
		m.outcomes[i].Add(1)
	}
}

func (m *Metrics) IncReject(reason schema.RejectReason) {
	if m == nil {
		return
	}
	if i := reasonIndex(reason); i >= 0 {
		m.rejects[i].Add(1)
	}
}

func (m *Metrics) IncSignal() {
	if m == nil {
		return
	}
	m.signals.Add(1)
}

func (m *Metrics) IncCancel() {
	if m == nil {
		return
	}
	m.cancels.Add(1)
}

func (m *Metrics) AddPlaceRetries(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.placeRetries.Add(uint64(n))
}

func (m *Metrics) IncPanic() {
	if m == nil {
		return
	}
	m.panics.Add(1)
}

func (m *Metrics) IncShed() {
	if m == nil {
		return
	}
	m.sheds.Add(1)
}

// ObservePublish counts outcome events handed to the publisher.
func (m *Metrics) ObservePublish(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.publishFails.Add(1)
		return
	}
	m.published.Add(1)
}

// ObserveDispatch measures one signal's fan-out, admission to last ack.
func (m *Metrics) ObserveDispatch(d time.Duration) {
	if m == nil {
		return
	}
	m.dispatchLatency.Observe(d)
}

// ObservePlace measures one PlaceOrder round trip including retries.
func (m *Metrics) ObservePlace(d time.Duration) {
	if m == nil {
		return
	}
	m.placeLatency.Observe(d)
}

// ObserveConfirm measures ack to terminal status.
func (m *Metrics) ObserveConfirm(d time.Duration) {
	if m == nil {
		return
	}
	m.confirmLatency.Observe(d)
}

// Snapshot returns a copy of the current metrics values.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	outcomes := make(map[schema.OrderStatus]uint64)
	for i := range m.outcomes {
		if v := m.outcomes[i].Load(); v > 0 {
			outcomes[_statuses[i]] = v
		}
	}
	rejects := make(map[schema.RejectReason]uint64)
	for i := range m.rejects {
		if v := m.rejects[i].Load(); v > 0 {
			rejects[_reasons[i]] = v
		}
	}
	return Snapshot{
		Outcomes:        outcomes,
		Rejects:         rejects,
		Signals:         m.signals.Load(),
		Cancels:         m.cancels.Load(),
		PlaceRetries:    m.placeRetries.Load(),
		Panics:          m.panics.Load(),
		Sheds:           m.sheds.Load(),
		Published:       m.published.Load(),
		PublishFailures: m.publishFails.Load(),
		Dispatch:        m.dispatchLatency.Snapshot(),
		Place:           m.placeLatency.Snapshot(),
		Confirm:         m.confirmLatency.Snapshot(),
	}
}

// Observe records a duration sample.
func (l *LatencyStats) Observe(d time.Duration) {
	if d < 0 {
		return
	}
	nanos := uint64(d)
	l.count.Add(1)
	l.sum.Add(nanos)

	for {
		cur := l.min.Load()
		if cur != 0 && nanos >= cur {
			break
		}
		if l.min.CompareAndSwap(cur, nanos) {
			break
		}
	}

	for {
		cur := l.max.Load()
		if nanos <= cur {
			break
		}
		if l.max.CompareAndSwap(cur, nanos) {
			break
		}
	}
}

// Snapshot returns the aggregated latency stats.
func (l *LatencyStats) Snapshot() LatencySnapshot {
	count := l.count.Load()
	if count == 0 {
		return LatencySnapshot{}
	}
	return LatencySnapshot{
		Count: count,
		Min:   time.Duration(l.min.Load()),
		Max:   time.Duration(l.max.Load()),
		Avg:   time.Duration(l.sum.Load() / count),
	}
}
