package ingestion

import (
	"context"

	"PredictLedger/internal/core"

	"github.com/rs/zerolog"
)

// Pump parses raw NATS messages and submits them to the core one at a time.
// A message is acked once the core has answered, whether it committed or
// rejected the operation; rejections are final and redelivery would not change
// them. Unparseable messages are acked and dropped. On shutdown the in-flight
// message is nak'ed for redelivery.
type Pump struct {
	resolver *SubjectResolver
	coreIn   chan<- core.Submission
	log      zerolog.Logger
}

func NewPump(subjects []SubjectConfig, coreIn chan<- core.Submission, log zerolog.Logger) *Pump {
	return &Pump{
		resolver: NewSubjectResolver(subjects),
		coreIn:   coreIn,
		log:      log,
	}
}

// Run blocks until ctx ends or rawChan closes.
func (p *Pump) Run(ctx context.Context, rawChan <-chan RawEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-rawChan:
			if !ok {
				return nil
			}
			if err := p.handle(ctx, raw); err != nil {
				return err
			}
		}
	}
}

func (p *Pump) handle(ctx context.Context, raw RawEvent) error {
	eventType := p.resolver.Resolve(raw.Subject)
	if eventType == "" {
		p.log.Warn().Str("subject", raw.Subject).Msg("unknown NATS subject")
		ack(raw)
		return nil
	}

	evt, err := ParseRawEvent(raw, eventType)
	if err != nil {
		p.log.Warn().Err(err).Str("subject", raw.Subject).Msg("parse event failed")
		ack(raw)
		return nil
	}

	receipt, err := core.Submit(ctx, p.coreIn, evt)
	if ctx.Err() != nil {
		if raw.NakFunc != nil {
			raw.NakFunc()
		}
		return ctx.Err()
	}
	if err != nil {
		p.log.Info().Err(err).
			Str("event_type", eventType).
			Str("key", evt.IdempotencyKey()).
			Msg("operation rejected")
	} else if receipt.Duplicate {
		p.log.Debug().Str("key", evt.IdempotencyKey()).Msg("duplicate acknowledged")
	}

	ack(raw)
	return nil
}

func ack(raw RawEvent) {
	if raw.AckFunc != nil {
		raw.AckFunc()
	}
}
