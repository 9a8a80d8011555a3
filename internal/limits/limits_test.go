package limits

import (
	"context"
	"testing"
	"time"
)

func TestSemaphoreTryAcquireRelease(t *testing.T) {
	sem := NewSemaphore(2)

	if !sem.TryAcquire() {
		t.Fatal("first TryAcquire should succeed")
	}
	if !sem.TryAcquire() {
		t.Fatal("second TryAcquire should succeed")
	}
	if sem.TryAcquire() {
		t.Fatal("third TryAcquire should fail, capacity is 2")
	}

	sem.Release()
	if !sem.TryAcquire() {
		t.Fatal("TryAcquire after Release should succeed")
	}
}

func TestSemaphoreReleaseWithoutAcquirePanics(t *testing.T) {
	sem := NewSemaphore(1)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on unmatched Release")
		}
	}()
	sem.Release()
}

func TestSemaphoreAcquireBlocksUntilContextDone(t *testing.T) {
	sem := NewSemaphore(1)
	sem.TryAcquire()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := sem.Acquire(ctx); err == nil {
		t.Fatal("expected context deadline error")
	}
}

func TestServerLimitsAdmitsUpToMaxSessions(t *testing.T) {
	sl := NewServerLimits(Config{MaxSessions: 1, MaxStreamsPerSession: 4})

	p1, ok := sl.TryAcquireSession()
	if !ok {
		t.Fatal("first session should be admitted")
	}
	if _, ok := sl.TryAcquireSession(); ok {
		t.Fatal("second session should be refused, MaxSessions=1")
	}

	p1.Release()
	if _, ok := sl.TryAcquireSession(); !ok {
		t.Fatal("session should be admitted after release")
	}
}

func TestStreamLimitsAdmitsUpToMaxStreams(t *testing.T) {
	sl := NewStreamLimits(Config{MaxStreamsPerSession: 2})

	s1, ok := sl.TryAcquireStream()
	if !ok {
		t.Fatal("first stream should be admitted")
	}
	if _, ok := sl.TryAcquireStream(); !ok {
		t.Fatal("second stream should be admitted")
	}
	if _, ok := sl.TryAcquireStream(); ok {
		t.Fatal("third stream should be refused")
	}
	s1.Release()
	if _, ok := sl.TryAcquireStream(); !ok {
		t.Fatal("stream should be admitted after release")
	}
}

func TestStreamLimitsRateLimitsStreamOpens(t *testing.T) {
	sl := NewStreamLimits(Config{MaxStreamsPerSession: 100, StreamsPerSecond: 1})

	if _, ok := sl.TryAcquireStream(); !ok {
		t.Fatal("first open within burst should be admitted")
	}
	if _, ok := sl.TryAcquireStream(); ok {
		t.Fatal("second immediate open should be refused by the rate limiter")
	}
}

func TestStreamLimitsByteRateDisabledByDefault(t *testing.T) {
	sl := NewStreamLimits(Config{MaxStreamsPerSession: 1})
	if !sl.AllowBytes(1 << 30) {
		t.Fatal("AllowBytes should always allow when BytesPerSecond is unset")
	}
}

func TestStreamLimitsTryAcquireStreamRateDistinguishesCause(t *testing.T) {
	sl := NewStreamLimits(Config{MaxStreamsPerSession: 1, StreamsPerSecond: 1})

	if rateLimited, _, ok := sl.TryAcquireStreamRate(); !ok || rateLimited {
		t.Fatalf("first open: rateLimited=%v ok=%v, want ok admission", rateLimited, ok)
	}
	if rateLimited, _, ok := sl.TryAcquireStreamRate(); ok || !rateLimited {
		t.Fatalf("second immediate open: rateLimited=%v ok=%v, want rate-limited refusal", rateLimited, ok)
	}
}

func TestStreamLimitsTryAcquireStreamRateReportsCapacityNotRate(t *testing.T) {
	sl := NewStreamLimits(Config{MaxStreamsPerSession: 1})
	sl.TryAcquireStream()

	rateLimited, _, ok := sl.TryAcquireStreamRate()
	if ok {
		t.Fatal("second stream should be refused, MaxStreamsPerSession=1")
	}
	if rateLimited {
		t.Fatal("refusal should be attributed to capacity, not the rate limiter")
	}
}

func TestStreamLimitsInflightFrameCeiling(t *testing.T) {
	sl := NewStreamLimits(Config{MaxStreamsPerSession: 1, MaxInflightFrames: 2})

	if !sl.TryAcquireFrame() {
		t.Fatal("first frame should be admitted")
	}
	if !sl.TryAcquireFrame() {
		t.Fatal("second frame should be admitted")
	}
	if sl.TryAcquireFrame() {
		t.Fatal("third frame should be refused, MaxInflightFrames=2")
	}
	if sl.InflightFrames() != 2 {
		t.Fatalf("InflightFrames() = %d, want 2", sl.InflightFrames())
	}

	sl.ReleaseFrame()
	if !sl.TryAcquireFrame() {
		t.Fatal("frame should be admitted after release")
	}
}

func TestStreamLimitsInflightFrameCeilingUnboundedByDefault(t *testing.T) {
	sl := NewStreamLimits(Config{MaxStreamsPerSession: 1})
	for i := 0; i < 10_000; i++ {
		if !sl.TryAcquireFrame() {
			t.Fatalf("frame %d refused despite MaxInflightFrames unset", i)
		}
	}
	if sl.InflightFrames() != 0 {
		t.Fatalf("InflightFrames() = %d, want 0 when unbounded", sl.InflightFrames())
	}
}

func TestStreamLimitsNilIsUnbounded(t *testing.T) {
	var sl *StreamLimits
	if !sl.TryAcquireFrame() {
		t.Fatal("nil StreamLimits should always admit frames")
	}
	sl.ReleaseFrame()
	if sl.InflightFrames() != 0 {
		t.Fatal("nil StreamLimits should report zero inflight frames")
	}
}
