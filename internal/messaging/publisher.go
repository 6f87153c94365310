package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"EscrowVault/internal/event"
	"EscrowVault/internal/observability"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	OutboundStream        = "VAULT_EVENTS"
	OutboundSubjectPrefix = "vault.events"
)

// Publisher is the subset of jetstream.JetStream the outbound publisher uses.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes vault history records to JetStream for
// downstream consumers. Delivery is best effort: the record ID is the
// JetStream message id, so a retried publish is deduplicated by the stream,
// and failed publishes are logged and dropped since the event log in
// Postgres stays authoritative.
type OutboundPublisher struct {
	js        Publisher
	inputChan <-chan event.Record
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewOutboundPublisher(js Publisher, inputChan <-chan event.Record, metrics *observability.Metrics, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    logger,
	}
}

// Subject returns vault.events.<entity_kind>.<event_kind>.
func Subject(rec event.Record) string {
	return fmt.Sprintf("%s.%s.%s", OutboundSubjectPrefix, rec.EntityKind, rec.Kind)
}

// Run publishes until ctx is cancelled or the input channel closes.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case rec, ok := <-op.inputChan:
			if !ok {
				return nil
			}
			if err := op.publish(ctx, rec); err != nil {
				op.logger.Warn().
					Err(err).
					Str("entity_id", rec.EntityID).
					Int64("sequence", rec.Sequence).
					Msg("outbound publish failed")
				if op.metrics != nil {
					op.metrics.PublishDrops.Inc()
				}
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, rec event.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = op.js.Publish(ctx, Subject(rec), data, jetstream.WithMsgID(rec.ID.String()))
	return err
}

// EnsureOutboundStream creates or updates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       OutboundStream,
		Subjects:   []string{OutboundSubjectPrefix + ".>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 2 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	logger.Info().Str("stream", OutboundStream).Msg("ensured outbound stream")
	return nil
}
