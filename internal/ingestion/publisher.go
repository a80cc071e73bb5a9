package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"PredictLedger/internal/core"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// OutboundStream mirrors committed events for downstream consumers.
const OutboundStream = "PREDICT_LEDGER_EVENTS"

// Publisher is the narrow JetStream surface the outbound publisher needs.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes committed events to NATS.
// Subjects follow the pattern: predict.ledger.events.{event_type}[.{market_id}]
type OutboundPublisher struct {
	js        Publisher
	inputChan <-chan PublishableEvent
	log       zerolog.Logger
}

// PublishableEvent is a committed event ready for outbound publishing.
type PublishableEvent struct {
	Sequence       int64           `json:"sequence"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	MarketID       *string         `json:"market_id,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	Receipt        *WireReceipt    `json:"receipt,omitempty"`
	StateHash      []byte          `json:"state_hash"`
	Timestamp      time.Time       `json:"timestamp"`
}

// WireReceipt is core.Receipt on the wire. Zero fields are omitted.
type WireReceipt struct {
	Sequence      int64  `json:"sequence"`
	MarketID      string `json:"market_id,omitempty"`
	SharesOut     uint64 `json:"shares_out,omitempty"`
	CollateralOut uint64 `json:"collateral_out,omitempty"`
	Fee           uint64 `json:"fee,omitempty"`
	Payout        uint64 `json:"payout,omitempty"`
	VaultBalance  uint64 `json:"vault_balance,omitempty"`
	WinningShares uint64 `json:"winning_shares,omitempty"`
	Duplicate     bool   `json:"duplicate,omitempty"`
}

func NewWireReceipt(r core.Receipt) *WireReceipt {
	w := &WireReceipt{
		Sequence:      r.Sequence,
		SharesOut:     r.SharesOut,
		CollateralOut: r.CollateralOut,
		Fee:           r.Fee,
		Payout:        r.Payout,
		VaultBalance:  r.VaultBalance,
		WinningShares: r.WinningShares,
		Duplicate:     r.Duplicate,
	}
	if r.MarketID != uuid.Nil {
		w.MarketID = r.MarketID.String()
	}
	return w
}

// NewPublishableEvent renders a committed output for NATS and the
// websocket feed.
func NewPublishableEvent(out core.CoreOutput) (PublishableEvent, error) {
	payload, err := EncodeEvent(out.Event)
	if err != nil {
		return PublishableEvent{}, err
	}
	env := out.Envelope
	return PublishableEvent{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		MarketID:       env.MarketID,
		Payload:        payload,
		Receipt:        NewWireReceipt(out.Receipt),
		StateHash:      env.StateHash[:],
		Timestamp:      env.Timestamp,
	}, nil
}

func NewOutboundPublisher(js Publisher, inputChan <-chan PublishableEvent, log zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		log:       log,
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, evt); err != nil {
				// Non-fatal: downstream consumers can query the event log directly
				op.log.Warn().Err(err).Int64("sequence", evt.Sequence).Msg("outbound publish failed")
			}
		}
	}
}

// Subject returns the outbound subject of evt.
func Subject(evt PublishableEvent) string {
	subject := fmt.Sprintf("predict.ledger.events.%s", evt.EventType)
	if evt.MarketID != nil {
		subject = fmt.Sprintf("%s.%s", subject, *evt.MarketID)
	}
	return subject
}

func (op *OutboundPublisher) publish(ctx context.Context, evt PublishableEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	// Dedup on the JetStream side by sequence
	_, err = op.js.Publish(ctx, Subject(evt), data, jetstream.WithMsgID(fmt.Sprintf("seq-%d", evt.Sequence)))
	return err
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      OutboundStream,
		Subjects:  []string{"predict.ledger.events.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	return nil
}
