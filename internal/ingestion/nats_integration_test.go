package ingestion_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"PredictLedger/internal/core"
	"PredictLedger/internal/ingestion"
	"PredictLedger/internal/ledger"
	"PredictLedger/internal/testutil"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Runs the reference scenario through JetStream: operations in on
// predict.ops.*, committed events out on predict.ledger.events.*.
func TestNATSRoundTrip(t *testing.T) {
	testutil.RequireIntegration(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	nc, js, err := ingestion.ConnectNATS(testutil.TestNATSURL(), zerolog.Nop())
	if err != nil {
		t.Skipf("test NATS not available: %v", err)
	}
	defer nc.Close()

	if err := ingestion.EnsureStreams(ctx, js); err != nil {
		t.Fatal(err)
	}
	if err := ingestion.EnsureOutboundStream(ctx, js); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{ingestion.OpsStream, ingestion.OutboundStream} {
		stream, err := js.Stream(ctx, name)
		if err != nil {
			t.Fatal(err)
		}
		if err := stream.Purge(ctx); err != nil {
			t.Fatal(err)
		}
	}

	// Fresh durable names so earlier runs leave no acked state behind.
	suffix := uuid.NewString()[:8]
	subjects := ingestion.DefaultSubjects()
	prefixOf := make(map[string]string, len(subjects))
	for i := range subjects {
		subjects[i].ConsumerName += "-" + suffix
		prefixOf[subjects[i].EventType] = strings.TrimSuffix(subjects[i].Subject, ">")
	}

	persist := make(chan core.CoreOutput, 16)
	c := testutil.NewCore(t, persist, nil)
	coreIn := make(chan core.Submission)
	go c.Run(ctx, coreIn)

	rawChan := make(chan ingestion.RawEvent, 16)
	sub := ingestion.NewNATSSubscriber(js, rawChan, zerolog.Nop())
	if err := sub.Subscribe(ctx, subjects); err != nil {
		t.Fatal(err)
	}
	defer sub.Stop()
	go ingestion.NewPump(subjects, coreIn, zerolog.Nop()).Run(ctx, rawChan)

	publishChan := make(chan ingestion.PublishableEvent, 16)
	go ingestion.NewOutboundPublisher(js, publishChan, zerolog.Nop()).Run(ctx)

	s := testutil.NewScenario()
	for i, evt := range s.Events {
		data, err := ingestion.EncodeEvent(evt)
		if err != nil {
			t.Fatal(err)
		}
		subject := prefixOf[evt.EventType().String()] + evt.IdempotencyKey()
		if _, err := js.Publish(ctx, subject, data); err != nil {
			t.Fatalf("publish %s: %v", subject, err)
		}

		// Consumers are per subject, so wait for each commit before sending
		// an operation that depends on it.
		want := int64(i)
		deadline := time.Now().Add(5 * time.Second)
		for c.LastCommitted() < want {
			if time.Now().After(deadline) {
				t.Fatalf("event %d (%s) not committed, last committed %d", i, evt.EventType(), c.LastCommitted())
			}
			time.Sleep(10 * time.Millisecond)
		}

		pub, err := ingestion.NewPublishableEvent(<-persist)
		if err != nil {
			t.Fatal(err)
		}
		publishChan <- pub
	}

	snap, err := c.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	usdc, _ := ledger.GetAssetID("USDC")
	if got := snap.Balances[ledger.NewUserAccountKey(s.Alice, usdc)]; got != 2_405_154 {
		t.Errorf("alice balance = %d, want 2405154", got)
	}

	out, err := js.Stream(ctx, ingestion.OutboundStream)
	if err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		info, err := out.Info(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if info.State.Msgs == uint64(len(s.Events)) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("outbound stream holds %d messages, want %d", info.State.Msgs, len(s.Events))
		}
		time.Sleep(20 * time.Millisecond)
	}

	msg, err := out.GetLastMsgForSubject(ctx, "predict.ledger.events.ClaimWinnings."+s.Market.String())
	if err != nil {
		t.Fatal(err)
	}
	var last ingestion.PublishableEvent
	if err := json.Unmarshal(msg.Data, &last); err != nil {
		t.Fatal(err)
	}
	if last.Receipt == nil || last.Receipt.Payout != 1_505_154 {
		t.Errorf("last claim receipt = %+v, want payout 1505154", last.Receipt)
	}
}
