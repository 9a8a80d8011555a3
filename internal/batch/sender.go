// Package batch implements the Batched Sender: a single writer goroutine
// per session that coalesces outbound frames into vectored writes instead
// of issuing one syscall per frame, flushing on either a frame-count
// threshold or an adaptive timer, always in priority order.
package batch

import (
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/MitulShah1/ferrotunnel/internal/logging"
	"github.com/MitulShah1/ferrotunnel/internal/metrics"
	"github.com/MitulShah1/ferrotunnel/internal/protocol"
	"github.com/MitulShah1/ferrotunnel/internal/recovery"
)

const (
	// BatchMax is the frame-count threshold that forces an immediate flush.
	BatchMax = 256

	// MinFlushInterval is the adaptive timer's floor, used when recent
	// flushes have been sparse.
	MinFlushInterval = 25 * time.Microsecond

	// MaxFlushInterval is the adaptive timer's ceiling, used when recent
	// flushes have been saturating BatchMax.
	MaxFlushInterval = 500 * time.Microsecond

	// InitialFlushInterval is where a new Sender starts.
	InitialFlushInterval = 50 * time.Microsecond

	// sendQueueDepth bounds how many enqueued frames can be pending before
	// Enqueue blocks, applying backpressure to callers.
	sendQueueDepth = 1024
)

// ErrClosed is returned by Enqueue once the sender has been closed.
var ErrClosed = errors.New("batch: sender closed")

// flushOrder lists priority classes from highest to lowest; a flush writes
// Critical frames ahead of High ahead of Normal ahead of Low.
var flushOrder = [4]protocol.Priority{
	protocol.PriorityCritical,
	protocol.PriorityHigh,
	protocol.PriorityNormal,
	protocol.PriorityLow,
}

type queuedFrame struct {
	typ      protocol.FrameType
	flags    uint8
	streamID uint64
	payload  []byte
	priority protocol.Priority
	release  func()
}

// Sender batches frames written to one transport connection.
type Sender struct {
	conn    net.Conn
	logger  *slog.Logger
	metrics *metrics.Metrics

	in      chan queuedFrame
	closeCh chan struct{}
	doneCh  chan struct{}
	closeOnce sync.Once

	interval time.Duration // owned by run(), not safe to read/write elsewhere
}

// NewSender creates a Sender writing to conn. Call Start to begin the
// dispatcher goroutine. m may be nil, in which case a disconnected Metrics
// instance is used so every call site below can stay unconditional.
func NewSender(conn net.Conn, logger *slog.Logger, m *metrics.Metrics) *Sender {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &Sender{
		conn:     conn,
		logger:   logger,
		metrics:  m,
		in:       make(chan queuedFrame, sendQueueDepth),
		closeCh:  make(chan struct{}),
		doneCh:   make(chan struct{}),
		interval: InitialFlushInterval,
	}
}

// Start launches the dispatcher goroutine.
func (s *Sender) Start() {
	go s.run()
}

// Enqueue queues a frame for the next flush. release, if non-nil, is run by
// the flush that writes the frame's payload to the wire; every caller in
// this module passes nil.
func (s *Sender) Enqueue(typ protocol.FrameType, flags uint8, streamID uint64, payload []byte, priority protocol.Priority, release func()) error {
	select {
	case <-s.closeCh:
		return ErrClosed
	default:
	}

	select {
	case s.in <- queuedFrame{typ: typ, flags: flags, streamID: streamID, payload: payload, priority: priority, release: release}:
		return nil
	case <-s.closeCh:
		return ErrClosed
	}
}

// Close stops the dispatcher after flushing whatever is already queued, and
// waits for it to exit.
func (s *Sender) Close() error {
	s.closeOnce.Do(func() { close(s.closeCh) })
	<-s.doneCh
	return nil
}

func (s *Sender) run() {
	defer close(s.doneCh)
	defer recovery.RecoverWithLog(s.logger, "batch.Sender")

	var buckets [4][]queuedFrame
	timer := time.NewTimer(s.interval)
	defer timer.Stop()

	total := 0
	flushAndReset := func() {
		if total == 0 {
			timer.Reset(s.interval)
			return
		}
		saturated := total >= BatchMax
		if err := s.flush(&buckets); err != nil {
			s.logger.Error("batch flush failed", logging.KeyError, err)
		}
		s.metrics.BatchFlushes.Inc()
		s.metrics.BatchFlushFrames.Observe(float64(total))
		s.adjustInterval(saturated, total)
		total = 0
		timer.Reset(s.interval)
	}

	for {
		select {
		case f, ok := <-s.in:
			if !ok {
				flushAndReset()
				return
			}
			buckets[f.priority] = append(buckets[f.priority], f)
			total++
			if total >= BatchMax {
				flushAndReset()
			}

		case <-timer.C:
			flushAndReset()

		case <-s.closeCh:
			// Drain whatever is already queued before exiting.
			for {
				select {
				case f := <-s.in:
					buckets[f.priority] = append(buckets[f.priority], f)
					total++
				default:
					flushAndReset()
					return
				}
			}
		}
	}
}

// adjustInterval implements the AIMD adaptive timer: a saturating flush
// (drained BatchMax frames) grows the interval 25% toward the ceiling,
// anticipating more load; a sparse flush (drained under a quarter of
// BatchMax) shrinks it 25% toward the floor, anticipating a quiet period
// where lower latency matters more than batching efficiency.
func (s *Sender) adjustInterval(saturated bool, drained int) {
	switch {
	case saturated:
		s.interval = min(s.interval+s.interval/4, MaxFlushInterval)
	case drained < BatchMax/4:
		s.interval = max(s.interval-s.interval/4, MinFlushInterval)
	}
	s.metrics.BatchInterval.Set(float64(s.interval.Microseconds()))
}

// flush writes every queued frame in priority order as a single vectored
// write, then clears buckets and runs each frame's release callback.
func (s *Sender) flush(buckets *[4][]queuedFrame) error {
	total := 0
	for _, p := range flushOrder {
		total += len(buckets[p])
	}
	if total == 0 {
		return nil
	}

	headers := make([][protocol.HeaderSize]byte, total)
	bufs := make(net.Buffers, 0, total*2)

	i := 0
	for _, p := range flushOrder {
		for _, f := range buckets[p] {
			protocol.EncodeInto(&headers[i], f.typ, f.flags, f.streamID, len(f.payload))
			bufs = append(bufs, headers[i][:])
			if len(f.payload) > 0 {
				bufs = append(bufs, f.payload)
			}
			s.metrics.FramesSent.WithLabelValues(f.typ.String()).Inc()
			if f.typ == protocol.TypeData {
				s.metrics.BytesSent.Add(float64(len(f.payload)))
			}
			i++
		}
	}

	_, err := bufs.WriteTo(s.conn)

	for _, p := range flushOrder {
		for _, f := range buckets[p] {
			if f.release != nil {
				f.release()
			}
		}
		buckets[p] = buckets[p][:0]
	}

	return err
}
