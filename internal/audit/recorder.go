// Package audit delivers pipeline decision records to durable sinks without
// ever blocking the pipeline.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/alanyoungcy/mevbot/internal/domain"
	"github.com/alanyoungcy/mevbot/internal/metrics"
)

// StreamName is the Redis stream audit records are appended to.
const StreamName = "mevbot:audit"

// EventDecision is the audit_log event name for decision records.
const EventDecision = "decision"

// StreamAppender is the stream half of domain.SignalBus.
type StreamAppender interface {
	StreamAppend(ctx context.Context, stream string, payload []byte) error
}

// Alerter receives every record and decides itself which ones to forward.
type Alerter interface {
	Decision(ctx context.Context, rec domain.DecisionRecord) error
}

// Config sizes the recorder.
type Config struct {
	Buffer       int           // queued records before drops start
	WriteTimeout time.Duration // per sink write
}

// Sinks are the optional delivery targets. Any may be nil.
type Sinks struct {
	Store   domain.AuditStore
	Stream  StreamAppender
	Alerter Alerter
}

// Recorder implements domain.AuditSink. Record enqueues and returns; a
// single worker delivers to every sink in order. Records that arrive while
// the queue is full are logged and counted, never waited on.
type Recorder struct {
	cfg     Config
	sinks   Sinks
	queue   chan domain.DecisionRecord
	metrics *metrics.Metrics
	logger  *slog.Logger

	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}
}

var _ domain.AuditSink = (*Recorder)(nil)

// NewRecorder creates a Recorder. Call Run to start delivery.
func NewRecorder(cfg Config, sinks Sinks, m *metrics.Metrics, logger *slog.Logger) *Recorder {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 4096
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 2 * time.Second
	}
	return &Recorder{
		cfg:     cfg,
		sinks:   sinks,
		queue:   make(chan domain.DecisionRecord, cfg.Buffer),
		metrics: m,
		logger:  logger.With(slog.String("component", "audit")),
		closed:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Record enqueues rec. It never blocks.
func (r *Recorder) Record(_ context.Context, rec domain.DecisionRecord) {
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	// Structured log line first: it is the sink of last resort.
	r.logger.Info("decision",
		slog.String("stage", string(rec.Stage)),
		slog.String("decision", string(rec.Decision)),
		slog.String("opportunity_id", rec.OpportunityID),
		slog.String("bundle_id", rec.BundleID),
		slog.String("reason", rec.Reason),
	)
	select {
	case <-r.closed:
		r.drop(rec, "closed")
		return
	default:
	}
	select {
	case r.queue <- rec:
	default:
		r.drop(rec, "queue full")
	}
}

func (r *Recorder) drop(rec domain.DecisionRecord, why string) {
	r.metrics.AuditDrop()
	r.logger.Warn("audit record dropped",
		slog.String("why", why),
		slog.String("stage", string(rec.Stage)),
		slog.String("bundle_id", rec.BundleID),
	)
}

// Run delivers queued records until ctx is cancelled or Close is called,
// then drains what is left.
func (r *Recorder) Run(ctx context.Context) error {
	defer close(r.done)
	defer r.closeOnce.Do(func() { close(r.closed) })
	// Deliveries outlive the stop signal so the queue can drain.
	base := context.WithoutCancel(ctx)
	for {
		select {
		case rec := <-r.queue:
			r.deliver(base, rec)
		case <-ctx.Done():
			r.drain(base)
			return nil
		case <-r.closed:
			r.drain(base)
			return nil
		}
	}
}

// Close stops accepting records and waits for Run to drain the queue.
func (r *Recorder) Close() {
	r.closeOnce.Do(func() { close(r.closed) })
	<-r.done
}

func (r *Recorder) drain(ctx context.Context) {
	for {
		select {
		case rec := <-r.queue:
			r.deliver(ctx, rec)
		default:
			return
		}
	}
}

func (r *Recorder) deliver(ctx context.Context, rec domain.DecisionRecord) {
	if r.sinks.Store != nil {
		wctx, cancel := context.WithTimeout(ctx, r.cfg.WriteTimeout)
		fields := rec.Fields()
		fields["at"] = rec.At.UTC().Format(time.RFC3339Nano)
		if err := r.sinks.Store.Log(wctx, EventDecision, fields); err != nil {
			r.logger.Warn("audit store write failed", slog.String("error", err.Error()))
		}
		cancel()
	}
	if r.sinks.Stream != nil {
		payload, err := Encode(rec)
		if err != nil {
			r.logger.Warn("audit encode failed", slog.String("error", err.Error()))
		} else {
			wctx, cancel := context.WithTimeout(ctx, r.cfg.WriteTimeout)
			if err := r.sinks.Stream.StreamAppend(wctx, StreamName, payload); err != nil {
				r.logger.Warn("audit stream write failed", slog.String("error", err.Error()))
			}
			cancel()
		}
	}
	if r.sinks.Alerter != nil {
		wctx, cancel := context.WithTimeout(ctx, r.cfg.WriteTimeout)
		if err := r.sinks.Alerter.Decision(wctx, rec); err != nil {
			r.logger.Warn("audit alert failed", slog.String("error", err.Error()))
		}
		cancel()
	}
}

// Encode serializes rec as a protobuf Struct. Detail values structpb cannot
// represent are stored in their fmt form.
func Encode(rec domain.DecisionRecord) ([]byte, error) {
	fields := rec.Fields()
	ts := timestamppb.New(rec.At)
	fields["at_seconds"] = ts.GetSeconds()
	fields["at_nanos"] = ts.GetNanos()
	for k, v := range fields {
		if _, err := structpb.NewValue(v); err != nil {
			fields[k] = fmt.Sprint(v)
		}
	}
	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("audit: encode record: %w", err)
	}
	return proto.Marshal(st)
}

// Decode is the inverse of Encode. Numeric detail values come back as
// float64.
func Decode(payload []byte) (domain.DecisionRecord, error) {
	var st structpb.Struct
	if err := proto.Unmarshal(payload, &st); err != nil {
		return domain.DecisionRecord{}, fmt.Errorf("audit: decode record: %w", err)
	}
	m := st.AsMap()
	rec := domain.DecisionRecord{Detail: map[string]any{}}
	for k, v := range m {
		switch k {
		case "stage":
			rec.Stage = domain.Stage(fmt.Sprint(v))
		case "decision":
			rec.Decision = domain.Decision(fmt.Sprint(v))
		case "opportunity_id":
			rec.OpportunityID = fmt.Sprint(v)
		case "bundle_id":
			rec.BundleID = fmt.Sprint(v)
		case "reason":
			rec.Reason = fmt.Sprint(v)
		case "at_seconds", "at_nanos":
		default:
			rec.Detail[k] = v
		}
	}
	secs, _ := m["at_seconds"].(float64)
	nanos, _ := m["at_nanos"].(float64)
	rec.At = (&timestamppb.Timestamp{Seconds: int64(secs), Nanos: int32(nanos)}).AsTime()
	return rec, nil
}
