package worker_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/rs/zerolog"

	"github.com/example/notification-gateway/internal/audit"
	"github.com/example/notification-gateway/internal/dispatch"
	"github.com/example/notification-gateway/internal/kafka/producer"
	"github.com/example/notification-gateway/internal/kafka/publisher"
	"github.com/example/notification-gateway/internal/models"
	"github.com/example/notification-gateway/internal/render"
	"github.com/example/notification-gateway/internal/strategy"
	"github.com/example/notification-gateway/internal/tokens"
	"github.com/example/notification-gateway/internal/worker"
)

const (
	auditTopic = "notification.audit"
	smsTopic   = "notification.sms"
	pushTopic  = "notification.fcm"
)

// smsOnlyCorrelator renders SMS for every recipient and fails PUSH.
type smsOnlyCorrelator struct{}

func (smsOnlyCorrelator) ValidateTemplate(context.Context, string) error { return nil }

func (smsOnlyCorrelator) Render(_ context.Context, req *models.NotificationRequest) (render.Results, error) {
	out := render.Results{}
	for _, task := range render.BuildTasks(req) {
		if task.Type == models.ChannelPush {
			out[task.Key] = models.RenderResult{Key: task.Key, Error: &models.APIError{ErrorCode: "MISSING_VARIABLE", Message: "title"}}
			continue
		}
		out[task.Key] = models.RenderResult{Key: task.Key, Success: true, Data: &models.RenderedTemplate{Body: "code 1234"}}
	}
	return out, nil
}

type sentMessages struct {
	mu   sync.Mutex
	msgs []*sarama.ProducerMessage
}

func (s *sentMessages) record(msg *sarama.ProducerMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return nil
}

// auditCodes returns the event type of every audit message, with the error
// code appended for attempt failures.
func (s *sentMessages) auditCodes(t *testing.T) (codes []string, smsCount int) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, msg := range s.msgs {
		switch msg.Topic {
		case smsTopic:
			smsCount++
		case auditTopic:
			raw, err := msg.Value.Encode()
			if err != nil {
				t.Fatalf("encode audit value: %v", err)
			}
			var env struct {
				EventType string `json:"eventType"`
				Payload   struct {
					ErrorCode string `json:"errorCode"`
				} `json:"payload"`
			}
			if err := json.Unmarshal(raw, &env); err != nil {
				t.Fatalf("decode audit event: %v", err)
			}
			codes = append(codes, env.EventType+"/"+env.Payload.ErrorCode)
		default:
			t.Fatalf("unexpected topic %s", msg.Topic)
		}
	}
	return codes, smsCount
}

// waitForBroker blocks until every published message has an outcome and every
// nack report has been handed to the audit emitter.
func waitForBroker(t *testing.T, prod *producer.Producer, d *dispatch.Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()
	for {
		if prod.Pending() == 0 {
			if err := d.Drain(ctx); err != nil {
				t.Fatalf("nack reports did not finish: %v", err)
			}
			if prod.Pending() == 0 {
				return
			}
		}
		select {
		case <-ctx.Done():
			t.Fatalf("broker outcomes still pending: %d", prod.Pending())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestProcessCompletesWhenBrokerRejectsEverything(t *testing.T) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	mp := mocks.NewAsyncProducer(t, cfg)

	// accepted + two PUSH render failures + two SMS publishes + two SMS nack
	// reports; the broker rejects each of them.
	sent := &sentMessages{}
	for i := 0; i < 7; i++ {
		mp.ExpectInputWithMessageCheckerFunctionAndFail(sent.record, sarama.ErrNotEnoughReplicas)
	}

	log := zerolog.Nop()
	prod := producer.NewWithAsyncProducer(mp, log)
	emitter := audit.NewEmitter(prod, auditTopic, "notification-gateway", log)
	pub := publisher.NewNotificationPublisher(prod, publisher.Topics{SMS: smsTopic, Push: pushTopic}, log)
	d := dispatch.New(pub, tokens.NewStaticStore(nil), emitter, log)

	eng, err := worker.NewEngine(defaultCfg, worker.Dependencies{
		Correlator: smsOnlyCorrelator{},
		Strategy:   strategy.New(d, emitter, log),
		Auditor:    emitter,
		Logger:     log,
	})
	if err != nil {
		t.Fatalf("unexpected engine error: %v", err)
	}

	req := request(2)
	req.Channels = []models.Channel{models.ChannelPush, models.ChannelSMS}

	result := eng.Process(context.Background(), req)

	if result.FailureReason != "" {
		t.Fatalf("broker rejections must not abort the request, got %s", result.FailureReason)
	}
	outcomes := map[string]dispatch.Outcome{}
	for _, a := range result.Attempts {
		outcomes[a.RecipientID+"/"+string(a.Channel)] = a.Outcome
	}
	for _, id := range []string{"r-0", "r-1"} {
		if outcomes[id+"/PUSH"] != dispatch.OutcomeNoRender {
			t.Fatalf("%s PUSH: expected %s, got %s", id, dispatch.OutcomeNoRender, outcomes[id+"/PUSH"])
		}
		if outcomes[id+"/SMS"] != dispatch.OutcomeDispatched {
			t.Fatalf("%s SMS: expected %s, got %s", id, dispatch.OutcomeDispatched, outcomes[id+"/SMS"])
		}
	}

	waitForBroker(t, prod, d)
	if err := prod.Close(); err != nil {
		t.Fatalf("close producer: %v", err)
	}

	codes, smsCount := sent.auditCodes(t)
	if smsCount != 2 {
		t.Fatalf("expected two SMS publishes, got %d", smsCount)
	}
	counts := map[string]int{}
	for _, c := range codes {
		counts[c]++
	}
	want := map[string]int{
		models.EventRequestAccepted + "/":                         1,
		models.EventAttemptFailed + "/MISSING_VARIABLE":           2,
		models.EventAttemptFailed + "/" + dispatch.CodeBrokerNack: 2,
	}
	if len(counts) != len(want) {
		t.Fatalf("unexpected audit events %v", counts)
	}
	for code, n := range want {
		if counts[code] != n {
			t.Fatalf("expected %d x %s, got %v", n, code, counts)
		}
	}
}
