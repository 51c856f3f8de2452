// Copyright 2025 James Ross
package scaling

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/flyingrobots/taskctl/internal/config"
)

// ScalingEvent is the append-only record emitted on every replica
// change, so an operator (or internal/archive's ClickHouse sink) can
// reconstruct the autoscaler's history independent of the store's
// bounded stream retention.
type ScalingEvent struct {
	Class     string    `json:"class"`
	Reason    string    `json:"reason"`
	Previous  int       `json:"previous_replicas"`
	Target    int       `json:"target_replicas"`
	TrueDepth int64     `json:"true_depth"`
	At        time.Time `json:"at"`
}

// EventSink publishes ScalingEvents. Publish must tolerate a nil
// receiver so the loop can run with event fan-out disabled.
type EventSink struct {
	nc      *nats.Conn
	subject string
	log     *zap.Logger
	record  func(ScalingEvent)
}

// AttachRecorder wires an additional sink called on every Publish, in
// the same place NATS fan-out happens. internal/scaling cannot import
// internal/archive directly (archive already imports scaling, for this
// very ScalingEvent type), so the composition root wires
// archive.Sink.RecordScalingEvent in through this callback instead.
func (s *EventSink) AttachRecorder(fn func(ScalingEvent)) {
	s.record = fn
}

// NewEventSink connects to cfg.Scaling.NATSURL when set; with no URL
// configured it returns a sink whose Publish logs and calls any attached
// recorder but sends nothing to NATS, so NATS stays optional without
// branching at every call site.
func NewEventSink(cfg *config.Config, log *zap.Logger) (*EventSink, error) {
	sink := &EventSink{subject: cfg.Scaling.EventsSubject, log: log}
	if cfg.Scaling.NATSURL == "" {
		return sink, nil
	}
	nc, err := nats.Connect(cfg.Scaling.NATSURL)
	if err != nil {
		return nil, err
	}
	sink.nc = nc
	return sink, nil
}

func (s *EventSink) Publish(ev ScalingEvent) {
	if s == nil {
		return
	}
	s.log.Info("scaling event",
		zap.String("class", ev.Class),
		zap.String("reason", ev.Reason),
		zap.Int("previous", ev.Previous),
		zap.Int("target", ev.Target),
		zap.Int64("true_depth", ev.TrueDepth),
	)
	if s.record != nil {
		s.record(ev)
	}
	if s.nc == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		s.log.Warn("marshal scaling event", zap.Error(err))
		return
	}
	if err := s.nc.Publish(s.subject, payload); err != nil {
		s.log.Warn("publish scaling event", zap.Error(err))
	}
}

func (s *EventSink) Close() {
	if s.nc != nil {
		s.nc.Close()
	}
}
