package audit

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
)

// HTTPSink forwards audit events to an external collector over HTTP.
//
// Record hands the event to a bounded buffer and returns immediately; a
// background goroutine batches and POSTs. On overflow the incoming event is
// dropped and counted, keeping the emitter non-blocking.
type HTTPSink struct {
	http      *resty.Client
	path      string
	buf       chan Event
	batchSize int
	interval  time.Duration
	dropped   atomic.Int64
	done      chan struct{}
	logger    *slog.Logger
}

// NewHTTPSink creates a sink posting JSON batches to baseURL+path.
func NewHTTPSink(baseURL, path string, bufSize int, logger *slog.Logger) *HTTPSink {
	if bufSize <= 0 {
		bufSize = 4096
	}
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(5 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &HTTPSink{
		http:      httpClient,
		path:      path,
		buf:       make(chan Event, bufSize),
		batchSize: 100,
		interval:  time.Second,
		done:      make(chan struct{}),
		logger:    logger.With("component", "audit-http-sink"),
	}
}

// Record enqueues the event without blocking. Drops on overflow.
func (s *HTTPSink) Record(ev Event) {
	select {
	case s.buf <- ev:
	default:
		s.dropped.Add(1)
	}
}

// Dropped returns how many events were discarded due to a full buffer.
func (s *HTTPSink) Dropped() int64 { return s.dropped.Load() }

// Run drains the buffer until ctx is cancelled, flushing batches either when
// full or on the flush interval. Blocks; run it in its own goroutine.
func (s *HTTPSink) Run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	batch := make([]Event, 0, s.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := s.post(ctx, batch); err != nil {
			s.logger.Warn("audit batch post failed", "error", err, "events", len(batch))
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			// Final best-effort flush with a short deadline.
			flushCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if len(batch) > 0 {
				if err := s.post(flushCtx, batch); err != nil {
					s.logger.Warn("final audit flush failed", "error", err)
				}
			}
			cancel()
			return
		case ev := <-s.buf:
			batch = append(batch, ev)
			if len(batch) >= s.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// Done is closed when Run has returned.
func (s *HTTPSink) Done() <-chan struct{} { return s.done }

func (s *HTTPSink) post(ctx context.Context, events []Event) error {
	_, err := s.http.R().
		SetContext(ctx).
		SetBody(events).
		Post(s.path)
	return err
}
