package worker

import (
	"context"
	"errors"
	"reflect"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/notification-gateway/internal/kafka/consumer"
	"github.com/example/notification-gateway/internal/models"
)

const busyRetryInterval = 250 * time.Millisecond

// Submitter schedules validated requests.
type Submitter interface {
	Submit(ctx context.Context, req *models.NotificationRequest) error
}

// RequestDecoder parses and validates a request payload.
type RequestDecoder interface {
	Decode(body []byte) (*models.NotificationRequest, error)
}

// Committer is the abstraction for committing Kafka offsets after processing.
type Committer interface {
	Commit(ctx context.Context, record *consumer.Record) error
}

// KafkaHandler returns a consumer.Handler that decodes intake records into
// requests and submits them to the orchestrator. Invalid records are logged
// and committed. Valid records are committed once submitted; while the
// orchestrator is saturated the handler waits, holding back the partition.
func KafkaHandler(submitter Submitter, decoder RequestDecoder, committer Committer, logger zerolog.Logger) consumer.Handler {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	logger = logger.With().Str("component", "kafka_intake").Logger()

	return func(ctx context.Context, rec *consumer.Record) error {
		if submitter == nil || rec == nil {
			return nil
		}

		log := logger.With().
			Str("topic", rec.Topic).
			Int32("partition", rec.Partition).
			Int64("offset", rec.Offset).
			Logger()

		req, err := decoder.Decode(rec.Value)
		if err != nil {
			log.Warn().Err(err).Msg("worker: discarding invalid intake record")
			return commit(ctx, committer, rec)
		}

		for {
			err = submitter.Submit(ctx, req)
			if !errors.Is(err, ErrBusy) {
				break
			}
			log.Debug().Str("request_id", req.RequestID).Msg("worker: orchestrator busy, retrying intake record")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(busyRetryInterval):
			}
		}
		if err != nil {
			// Leave the offset uncommitted so the record is redelivered.
			log.Error().Err(err).Str("request_id", req.RequestID).Msg("worker: intake submit failed")
			return err
		}

		log.Info().Str("request_id", req.RequestID).Msg("worker: intake record submitted")
		return commit(ctx, committer, rec)
	}
}

func commit(ctx context.Context, committer Committer, rec *consumer.Record) error {
	if committer == nil {
		return nil
	}
	return committer.Commit(ctx, rec)
}
