package governor

import (
	"runtime"
	"strconv"
	"time"
)

// memSample keeps the two latest runtime.MemStats readings so per-interval
// deltas can be reported.
type memSample struct {
	buf        [1024]byte
	prev, curr runtime.MemStats
	prevAt     time.Time
	currAt     time.Time
}

func (m *memSample) take(read func(*runtime.MemStats), now time.Time) {
	m.prev, m.curr = m.curr, m.prev
	m.prevAt = m.currAt
	m.currAt = now

	read(&m.curr)

	if m.prevAt.IsZero() {
		m.prevAt = m.currAt
		m.prev = m.curr
	}
}

// line renders the heap and GC deltas of the last interval.
func (m *memSample) line() string {
	line := m.buf[:0]

	dt := m.currAt.Sub(m.prevAt).Seconds()
	if dt <= 0 {
		dt = 1
	}

	line = append(line, "heap alloc="...)
	line = appendBytes(line, m.curr.HeapAlloc)
	line = append(line, " inuse="...)
	line = appendBytes(line, m.curr.HeapInuse)
	line = append(line, " objects="...)
	line = strconv.AppendUint(line, m.curr.HeapObjects, 10)
	line = append(line, " alloc_rate="...)
	rate, unit := bytesCarryFloat(float64(m.curr.TotalAlloc-m.prev.TotalAlloc) / dt)
	line = strconv.AppendFloat(line, rate, 'f', 2, 64)
	line = append(line, unit...)
	line = append(line, "/s"...)

	line = append(line, " gc times="...)
	line = strconv.AppendUint(line, uint64(m.curr.NumGC-m.prev.NumGC), 10)
	line = append(line, " stw="...)
	line = strconv.AppendFloat(line, float64(m.curr.PauseTotalNs-m.prev.PauseTotalNs)/1_000_000.0, 'f', 3, 64)
	line = append(line, "ms next="...)
	line = appendBytes(line, m.curr.NextGC)
	line = append(line, " goroutines="...)
	line = strconv.AppendInt(line, int64(runtime.NumGoroutine()), 10)

	return string(line)
}

func appendBytes(line []byte, v uint64) []byte {
	b, unit := bytesCarry(v)
	line = strconv.AppendUint(line, b, 10)
	return append(line, unit...)
}

const carryThreshold = 1 << 15

func bytesCarry(value uint64) (uint64, string) {
	if value < carryThreshold {
		return value, "B"
	}
	value >>= 10
	if value < carryThreshold {
		return value, "KB"
	}
	value >>= 10
	if value < carryThreshold {
		return value, "MB"
	}
	return value >> 10, "GB"
}

func bytesCarryFloat(value float64) (float64, string) {
	if value < float64(carryThreshold) {
		return value, "B"
	}
	value /= 1024
	if value < float64(carryThreshold) {
		return value, "KB"
	}
	value /= 1024
	if value < float64(carryThreshold) {
		return value, "MB"
	}
	return value / 1024, "GB"
}
