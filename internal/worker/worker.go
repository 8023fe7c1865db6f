// Package worker contains the deployment worker: the pull loop that turns
// queued deployment requests into preview environments via claim-check-act.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"previewplane/internal/notifier"
	"previewplane/internal/provisioner"
	"previewplane/internal/store"
	"previewplane/pkg/api"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// Config holds configuration for the deployment worker.
type Config struct {
	ID                 string        // owner id written into claims; generated when empty
	Concurrency        int           // max concurrent dispatches (default: 50)
	PollInterval       time.Duration // minimum poll interval (default: 1s)
	MaxBackoff         time.Duration // maximum backoff when queue is empty (default: 30s)
	DispatchRate       float64       // max dispatches per second (default: 10)
	LeaseDuration      time.Duration // claim lease; must exceed provisioning time plus margin (default: 7m)
	LeaseRenewInterval time.Duration // heartbeat interval (default: lease/3)
	ProvisionTimeout   time.Duration // bound on one Provision call (default: 2m)
	TTL                time.Duration // preview lifetime after ready (default: 4h)
}

// Worker runs the pull loop. Multiple instances share the queue; all
// coordination between them goes through the deployment store's claims.
type Worker struct {
	deployments store.DeploymentStore
	queue       store.Queue
	prov        provisioner.Provisioner
	notif       notifier.Notifier
	cfg         Config
	limiter     *rate.Limiter
	logger      *slog.Logger
	done        chan struct{}

	claims      metric.Int64Counter
	provisioned metric.Int64Counter
	failed      metric.Int64Counter
	leaseLost   metric.Int64Counter
}

// New creates a deployment worker.
func New(deployments store.DeploymentStore, queue store.Queue, prov provisioner.Provisioner, notif notifier.Notifier, cfg Config, logger *slog.Logger) *Worker {
	if cfg.ID == "" {
		cfg.ID = "worker-" + uuid.NewString()[:8]
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 50
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 1 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.DispatchRate <= 0 {
		cfg.DispatchRate = 10
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 7 * time.Minute
	}
	if cfg.LeaseRenewInterval <= 0 {
		cfg.LeaseRenewInterval = cfg.LeaseDuration / 3
	}
	if cfg.ProvisionTimeout <= 0 {
		cfg.ProvisionTimeout = 2 * time.Minute
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 4 * time.Hour
	}
	if notif == nil {
		notif = notifier.Nop{}
	}

	meter := otel.Meter("previewplane-worker")
	claims, _ := meter.Int64Counter("previewplane.worker.claims")
	provisioned, _ := meter.Int64Counter("previewplane.worker.provisioned")
	failed, _ := meter.Int64Counter("previewplane.worker.failed")
	leaseLost, _ := meter.Int64Counter("previewplane.worker.lease_lost")

	return &Worker{
		deployments: deployments,
		queue:       queue,
		prov:        prov,
		notif:       notif,
		cfg:         cfg,
		limiter:     rate.NewLimiter(rate.Limit(cfg.DispatchRate), cfg.Concurrency),
		logger:      logger.With("owner_id", cfg.ID),
		done:        make(chan struct{}),
		claims:      claims,
		provisioned: provisioned,
		failed:      failed,
		leaseLost:   leaseLost,
	}
}

// Run starts the main pull loop. It blocks until the context is cancelled.
// On SIGTERM, it stops dequeuing new work and allows in-flight deployments
// to finish.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker starting", "concurrency", w.cfg.Concurrency, "dispatch_rate", w.cfg.DispatchRate)

	// Semaphore to limit concurrency
	sem := make(chan struct{}, w.cfg.Concurrency)
	var wg sync.WaitGroup

	// Channel to signal when a slot becomes available (adaptive polling)
	pollNow := make(chan struct{}, 1)

	// Current backoff duration (increases on empty queue, resets on work found)
	currentBackoff := w.cfg.PollInterval

	triggerPoll := func() {
		select {
		case pollNow <- struct{}{}:
		default:
			// Already a poll pending
		}
	}

	triggerPoll()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("context cancelled, waiting for in-flight deployments to finish")
			wg.Wait()
			close(w.done)
			return ctx.Err()

		case <-time.After(currentBackoff):
			triggerPoll()

		case <-pollNow:
			availableSlots := w.cfg.Concurrency - len(sem)
			if availableSlots <= 0 {
				continue
			}

			messages, err := w.queue.Dequeue(ctx, availableSlots)
			if err != nil {
				w.logger.Error("dequeue failed", "error", err)
				continue
			}

			if len(messages) == 0 {
				// Empty queue - increase backoff (exponential, capped at MaxBackoff)
				currentBackoff *= 2
				if currentBackoff > w.cfg.MaxBackoff {
					currentBackoff = w.cfg.MaxBackoff
				}
				continue
			}

			// Found work - reset backoff to minimum
			currentBackoff = w.cfg.PollInterval

			for _, msg := range messages {
				// Dispatch-rate cap from the queue configuration.
				if err := w.limiter.Wait(ctx); err != nil {
					w.logger.Info("dispatch aborted during drain", "message_id", msg.ID)
					break
				}

				sem <- struct{}{}
				wg.Add(1)
				go func(msg store.QueueMessage) {
					defer wg.Done()
					defer func() {
						<-sem
						// Slot freed - trigger immediate re-poll.
						triggerPoll()
					}()
					w.processMessage(ctx, msg)
				}(msg)
			}

			if len(messages) < availableSlots {
				triggerPoll()
			}
		}
	}
}

// Done returns a channel that is closed when the worker has fully stopped.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// processMessage drives one dequeued deployment request through the claim
// protocol. Every path ends in an Ack or a Nack; nothing is left invisible
// past the visibility timeout on purpose.
func (w *Worker) processMessage(ctx context.Context, msg store.QueueMessage) {
	var req api.DeployRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil || req.IdempotencyKey == "" || req.Repo == "" || req.CommitSHA == "" {
		// Malformed requests are dropped permanently, never retried.
		w.logger.Error("dropping malformed request", "message_id", msg.ID, "error", err)
		w.ack(msg)
		return
	}

	tracer := otel.Tracer("previewplane-worker")
	spanCtx, span := tracer.Start(ctx, "process_deployment",
		trace.WithAttributes(
			attribute.String("idempotency_key", req.IdempotencyKey),
			attribute.String("repo", req.Repo),
			attribute.Int("pr_number", req.PRNumber),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
	defer span.End()

	rec := &store.DeploymentRecord{
		IdempotencyKey: req.IdempotencyKey,
		Repo:           req.Repo,
		PRNumber:       req.PRNumber,
		CommitSHA:      req.CommitSHA,
		RequesterMeta: store.RequesterMeta{
			ThreadID:  req.RequesterMeta.ThreadID,
			CommentID: req.RequesterMeta.CommentID,
			Requester: req.RequesterMeta.Requester,
		},
	}

	result, err := w.deployments.TryClaim(spanCtx, rec, w.cfg.ID, w.cfg.LeaseDuration)
	if err != nil {
		w.logger.Error("claim attempt failed", "key", req.IdempotencyKey, "error", err)
		w.nack(msg)
		return
	}
	w.claims.Add(spanCtx, 1, metric.WithAttributes(attribute.String("outcome", string(result.Outcome))))

	switch result.Outcome {
	case store.ClaimAlreadyReady:
		// Duplicate delivery of an already-provisioned key: answer with the
		// existing URL and drop the message.
		url := ""
		if result.Record.PreviewURL != nil {
			url = *result.Record.PreviewURL
		}
		w.notify(result.Record.RequesterMeta, notifier.Status{
			IdempotencyKey: req.IdempotencyKey,
			State:          notifier.StateReady,
			PreviewURL:     url,
			Message:        "preview already available",
		})
		w.ack(msg)

	case store.ClaimAlreadyInProgress:
		// Another owner holds the claim, or the record is terminal without
		// a URL. Either way there is nothing for this delivery to do.
		w.ack(msg)

	case store.ClaimWon:
		w.deploy(spanCtx, msg, rec)
	}
}

// deploy runs the provisioner for a record this worker owns.
func (w *Worker) deploy(ctx context.Context, msg store.QueueMessage, rec *store.DeploymentRecord) {
	key := rec.IdempotencyKey

	if err := w.deployments.MarkProvisioning(ctx, key, w.cfg.ID); err != nil {
		if errors.Is(err, store.ErrLeaseLost) {
			w.onLeaseLost(msg, key)
			return
		}
		w.logger.Error("failed to mark provisioning", "key", key, "error", err)
		w.nack(msg)
		return
	}

	// Provisioning is bounded by its own timeout and survives worker
	// drain: a received SIGTERM must not abandon a half-created
	// environment mid-call.
	provCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.ProvisionTimeout)
	defer cancel()

	heartbeatCtx, stopHeartbeat := context.WithCancel(context.Background())
	defer stopHeartbeat()
	go w.runHeartbeat(heartbeatCtx, cancel, msg.ID, key)

	result, err := w.prov.Provision(provCtx, provisioner.Request{
		IdempotencyKey: key,
		Repo:           rec.Repo,
		PRNumber:       rec.PRNumber,
		CommitSHA:      rec.CommitSHA,
	})
	stopHeartbeat()

	if err != nil {
		w.onProvisionError(msg, rec, err)
		return
	}

	outcome := store.ReadyOutcome{
		PreviewURL:   result.PreviewURL,
		ResourceRefs: result.ResourceRefs,
		ExpiresAt:    time.Now().Add(w.cfg.TTL),
	}
	if err := w.deployments.Complete(context.Background(), key, w.cfg.ID, outcome); err != nil {
		if errors.Is(err, store.ErrLeaseLost) {
			// The sweeper reassigned the work mid-call; this result is
			// discarded, and deterministic naming lets the new owner adopt
			// the environment we just created.
			w.onLeaseLost(msg, key)
			return
		}
		w.logger.Error("failed to complete deployment", "key", key, "error", err)
		w.nack(msg)
		return
	}

	w.provisioned.Add(context.Background(), 1)
	w.logger.Info("preview ready", "key", key, "url", result.PreviewURL)
	w.notify(rec.RequesterMeta, notifier.Status{
		IdempotencyKey: key,
		State:          notifier.StateReady,
		PreviewURL:     result.PreviewURL,
	})
	w.ack(msg)
}

// onProvisionError writes the terminal Failed state before deciding whether
// the queue should redeliver. The record must be Failed before the message
// can be dropped, so the sweeper's scan stays the visibility backstop.
func (w *Worker) onProvisionError(msg store.QueueMessage, rec *store.DeploymentRecord, provErr error) {
	key := rec.IdempotencyKey
	ctx := context.Background()

	if err := w.deployments.Fail(ctx, key, w.cfg.ID, provErr.Error()); err != nil {
		if errors.Is(err, store.ErrLeaseLost) {
			w.onLeaseLost(msg, key)
			return
		}
		w.logger.Error("failed to record failure", "key", key, "error", err)
		w.nack(msg)
		return
	}

	w.failed.Add(ctx, 1)
	w.logger.Error("provisioning failed", "key", key, "attempt", msg.Attempt, "error", provErr)

	if provisioner.IsPermanent(provErr) {
		// Retrying cannot help; surface the failure and drop the message.
		w.notify(rec.RequesterMeta, notifier.Status{
			IdempotencyKey: key,
			State:          notifier.StateFailed,
			Message:        provErr.Error(),
		})
		w.ack(msg)
		return
	}

	requeued, err := w.queue.Nack(ctx, msg)
	if err != nil {
		w.logger.Error("nack failed", "message_id", msg.ID, "error", err)
		return
	}
	if !requeued {
		// Redelivery budget spent; the Failed record with its retry count
		// is now the alerting signal.
		w.notify(rec.RequesterMeta, notifier.Status{
			IdempotencyKey: key,
			State:          notifier.StateFailed,
			Message:        fmt.Sprintf("gave up after %d attempts: %v", msg.Attempt, provErr),
		})
	}
}

func (w *Worker) onLeaseLost(msg store.QueueMessage, key string) {
	w.leaseLost.Add(context.Background(), 1)
	w.logger.Warn("claim lease lost, discarding result", "key", key)
	w.ack(msg)
}

// runHeartbeat renews the claim lease and the queue visibility while a
// provision call runs. Losing the lease aborts the call: the sweeper has
// already handed the work to someone else.
func (w *Worker) runHeartbeat(ctx context.Context, abort context.CancelFunc, msgID int64, key string) {
	ticker := time.NewTicker(w.cfg.LeaseRenewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.deployments.RenewLease(context.Background(), key, w.cfg.ID, w.cfg.LeaseDuration); err != nil {
				if errors.Is(err, store.ErrLeaseLost) {
					w.logger.Warn("lease lost during provisioning, aborting", "key", key)
					abort()
					return
				}
				w.logger.Error("lease renewal failed", "key", key, "error", err)
				continue
			}
			until := time.Now().Add(w.cfg.LeaseDuration)
			if err := w.queue.ExtendVisibility(context.Background(), msgID, until); err != nil {
				w.logger.Error("visibility extension failed", "message_id", msgID, "error", err)
			}
		}
	}
}

// notify is fire-and-forget; a lost notification never blocks the record's
// state transitions.
func (w *Worker) notify(meta store.RequesterMeta, status notifier.Status) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := w.notif.PostStatus(ctx, meta, status); err != nil {
		w.logger.Warn("status notification failed", "key", status.IdempotencyKey, "error", err)
	}
}

func (w *Worker) ack(msg store.QueueMessage) {
	if err := w.queue.Ack(context.Background(), msg.ID); err != nil {
		w.logger.Error("ack failed", "message_id", msg.ID, "error", err)
	}
}

func (w *Worker) nack(msg store.QueueMessage) {
	if _, err := w.queue.Nack(context.Background(), msg); err != nil {
		w.logger.Error("nack failed", "message_id", msg.ID, "error", err)
	}
}
