// Package ingest feeds a queue from Kafka. An acquisition process publishes frames, event
// log entries and control messages on three topics sharing a prefix:
//
//	<prefix>.frames   binary frames (types.EncodeFrame), appended in record order
//	<prefix>.events   JSON {"name", "description", "time"}
//	<prefix>.control  JSON {"op": "release"|"stop"|"metadata", ...}
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/ChuLiYu/framequeue/internal/queue"
	"github.com/ChuLiYu/framequeue/pkg/types"
)

var log = slog.Default()

// Topic suffixes.
const (
	FramesSuffix  = ".frames"
	EventsSuffix  = ".events"
	ControlSuffix = ".control"
)

// Control operations.
const (
	OpRelease  = "release"
	OpStop     = "stop"
	OpMetadata = "metadata"
)

// ErrUnknownTopic is returned for records on a topic the handler did not subscribe to.
var ErrUnknownTopic = errors.New("ingest: no handler for topic")

// Sink is the producer side of a queue. *queue.Queue satisfies it.
type Sink interface {
	AppendMany(frames []types.Frame) error
	Release(startingAt int64)
	StopAccepting()
	LogEvent(name, description string, t time.Time) error
	SetMetadata(key string, value any) error
}

// Control is one control message.
type Control struct {
	Op    string `json:"op"`
	From  int64  `json:"from,omitempty"`  // release
	Key   string `json:"key,omitempty"`   // metadata
	Value any    `json:"value,omitempty"` // metadata
}

type eventMessage struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Time        time.Time `json:"time"`
}

// Config configures a consumer.
type Config struct {
	Brokers []string
	Group   string
	Prefix  string
}

// Handler applies consumed records to a Sink.
type Handler struct {
	sink   Sink
	prefix string
}

// NewHandler creates a Handler for topics under prefix.
func NewHandler(sink Sink, prefix string) *Handler {
	return &Handler{sink: sink, prefix: prefix}
}

// Topics returns the topics the handler consumes.
func (h *Handler) Topics() []string {
	return []string{h.prefix + FramesSuffix, h.prefix + EventsSuffix, h.prefix + ControlSuffix}
}

// HandleRecords applies records in order. Runs of consecutive frames are appended in one
// write. A bad record is logged and skipped; sink errors are returned with the records
// after the failure left unapplied.
func (h *Handler) HandleRecords(records []*kgo.Record) error {
	var pending []types.Frame
	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		err := h.sink.AppendMany(pending)
		if errors.Is(err, queue.ErrRejected) {
			log.Warn("Dropping frames received after acquisition stopped", "count", len(pending))
			err = nil
		}
		pending = nil
		return err
	}

	for _, r := range records {
		if r.Topic == h.prefix+FramesSuffix {
			f, err := types.DecodeFrame(r.Value)
			if err != nil {
				log.Warn("Dropping bad frame record", "topic", r.Topic, "offset", r.Offset, "error", err)
				continue
			}
			pending = append(pending, f)
			continue
		}

		if err := flush(); err != nil {
			return err
		}
		if err := h.dispatch(r); err != nil {
			var syntax *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntax) || errors.As(err, &typeErr) || errors.Is(err, ErrUnknownTopic) {
				log.Warn("Dropping bad record", "topic", r.Topic, "offset", r.Offset, "error", err)
				continue
			}
			return err
		}
	}
	return flush()
}

func (h *Handler) dispatch(r *kgo.Record) error {
	switch r.Topic {
	case h.prefix + EventsSuffix:
		var ev eventMessage
		if err := json.Unmarshal(r.Value, &ev); err != nil {
			return err
		}
		return h.sink.LogEvent(ev.Name, ev.Description, ev.Time)

	case h.prefix + ControlSuffix:
		var c Control
		if err := json.Unmarshal(r.Value, &c); err != nil {
			return err
		}
		return h.control(c)

	default:
		return fmt.Errorf("%w: %s", ErrUnknownTopic, r.Topic)
	}
}

func (h *Handler) control(c Control) error {
	switch c.Op {
	case OpRelease:
		h.sink.Release(c.From)
	case OpStop:
		h.sink.StopAccepting()
		log.Info("Acquisition finished, no longer accepting frames")
	case OpMetadata:
		return h.sink.SetMetadata(c.Key, c.Value)
	default:
		log.Warn("Ignoring unknown control op", "op", c.Op)
	}
	return nil
}

// Run consumes until ctx is done.
func Run(ctx context.Context, cfg Config, sink Sink) error {
	h := NewHandler(sink, cfg.Prefix)
	cl, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.Group),
		kgo.ConsumeTopics(h.Topics()...),
		kgo.DisableAutoCommit(),
	)
	if err != nil {
		return fmt.Errorf("create kafka client: %w", err)
	}
	defer cl.Close()
	log.Info("Frame ingest started", "brokers", cfg.Brokers, "topics", h.Topics())

	for {
		fetches := cl.PollFetches(ctx)
		if ctx.Err() != nil || fetches.IsClientClosed() {
			return nil
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			log.Warn("Fetch failed", "topic", topic, "partition", partition, "error", err)
		})

		if err := h.HandleRecords(fetches.Records()); err != nil {
			// Offsets stay uncommitted so the records are redelivered after a restart.
			return fmt.Errorf("apply records: %w", err)
		}
		if err := cl.CommitUncommittedOffsets(ctx); err != nil {
			log.Warn("Commit offsets failed", "error", err)
		}
	}
}
