package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"agentrelay/internal/apperr"
	"agentrelay/internal/metrics"
	"agentrelay/internal/queue"
	"agentrelay/internal/relay"
)

type Queue interface {
	EnsureGroup(ctx context.Context) error
	Read(ctx context.Context, count int64) ([]queue.Delivery, error)
	Ack(ctx context.Context, deliveryID string) error
}

type Handler interface {
	HandleSecretWebhook(ctx context.Context, secret string, payload relay.SecretPayload) (relay.Reply, error)
}

type Worker struct {
	queue   Queue
	handler Handler
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

type Config struct {
	Queue   Queue
	Handler Handler
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

func New(cfg Config) *Worker {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	return &Worker{
		queue:   cfg.Queue,
		handler: cfg.Handler,
		logger:  cfg.Logger,
		metrics: m,
	}
}

func (w *Worker) Start(ctx context.Context, concurrency int) error {
	if err := w.queue.EnsureGroup(ctx); err != nil {
		return err
	}
	if concurrency < 1 {
		concurrency = 1
	}

	wg := sync.WaitGroup{}
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.consumeLoop(ctx, slot)
		}(i)
	}

	<-ctx.Done()
	wg.Wait()
	return nil
}

func (w *Worker) consumeLoop(ctx context.Context, slot int) {
	log := w.logger.With().Int("slot", slot).Logger()
	for {
		if err := ctx.Err(); err != nil {
			return
		}

		deliveries, err := w.queue.Read(ctx, 1)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("failed to read queue")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for _, d := range deliveries {
			w.handle(ctx, log, d)
		}
	}
}

// handle processes one delivery and acks it whatever the outcome. Failed
// jobs are logged and dropped, never re-run.
func (w *Worker) handle(ctx context.Context, log zerolog.Logger, d queue.Delivery) {
	// In-flight jobs run to completion on shutdown.
	jobCtx := context.WithoutCancel(ctx)

	if err := w.processJob(jobCtx, d.Job); err != nil {
		w.metrics.FailedJobs.Inc()
		log.Error().Err(err).Str("job_id", d.Job.JobID).Str("kind", string(apperr.KindOf(err))).Msg("dropping failed webhook job")
	} else {
		w.metrics.ProcessedJobs.Inc()
	}
	w.ack(jobCtx, log, d.ID)
}

func (w *Worker) processJob(ctx context.Context, job queue.WebhookJob) error {
	payload := relay.SecretPayload{Raw: job.Payload}
	if len(job.Payload) > 0 {
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return apperr.Wrap(apperr.KindInvalidArgument, "invalid payload", err)
		}
	}

	reply, err := w.handler.HandleSecretWebhook(ctx, job.Secret, payload)
	if err != nil {
		return fmt.Errorf("handle webhook job: %w", err)
	}
	w.logger.Info().Str("job_id", job.JobID).Str("chat_id", reply.ChatID).Msg("webhook job processed")
	return nil
}

func (w *Worker) ack(ctx context.Context, log zerolog.Logger, id string) {
	if err := w.queue.Ack(ctx, id); err != nil {
		log.Error().Err(err).Str("msg_id", id).Msg("failed to ack message")
	}
}
