// Package sweeper contains the periodic reconciliation loop that drives the
// system back to its invariants: expired previews get torn down, stuck
// claims get reclaimed, and orphaned resources get deprovisioned. Every
// pass is idempotent, so overlapping or repeated runs are harmless.
package sweeper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"previewplane/internal/notifier"
	"previewplane/internal/provisioner"
	"previewplane/internal/store"
	"previewplane/pkg/api"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Config holds configuration for the reconciliation sweeper.
type Config struct {
	Interval  time.Duration // time between sweeps (default: 5m)
	BatchSize int           // max records per pass per sweep (default: 100)
}

// Elector decides whether this instance may run a sweep. At most one
// instance should sweep at a time; the rest skip the tick.
type Elector interface {
	// TryLead attempts to become the sweeping instance without blocking.
	// When acquired is true the caller must invoke release after the sweep.
	TryLead(ctx context.Context) (release func(), acquired bool, err error)
}

// Sweeper runs the reconciliation passes. A nil Elector means this
// instance always leads, which is what tests and single-node setups want.
type Sweeper struct {
	deployments store.DeploymentStore
	queue       store.Queue
	prov        provisioner.Provisioner
	notif       notifier.Notifier
	elector     Elector
	cfg         Config
	logger      *slog.Logger

	// Now is the clock; tests override it.
	Now func() time.Time

	expired   metric.Int64Counter
	reclaimed metric.Int64Counter
	orphans   metric.Int64Counter
	sweepErrs metric.Int64Counter
}

// New creates a reconciliation sweeper.
func New(deployments store.DeploymentStore, queue store.Queue, prov provisioner.Provisioner, notif notifier.Notifier, elector Elector, cfg Config, logger *slog.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if notif == nil {
		notif = notifier.Nop{}
	}

	meter := otel.Meter("previewplane-sweeper")
	expired, _ := meter.Int64Counter("previewplane.sweeper.expired")
	reclaimed, _ := meter.Int64Counter("previewplane.sweeper.reclaimed")
	orphans, _ := meter.Int64Counter("previewplane.sweeper.orphans")
	sweepErrs, _ := meter.Int64Counter("previewplane.sweeper.errors")

	return &Sweeper{
		deployments: deployments,
		queue:       queue,
		prov:        prov,
		notif:       notif,
		elector:     elector,
		cfg:         cfg,
		logger:      logger,
		Now:         time.Now,
		expired:     expired,
		reclaimed:   reclaimed,
		orphans:     orphans,
		sweepErrs:   sweepErrs,
	}
}

// Run sweeps immediately, then on every tick until the context is
// cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.Info("sweeper starting", "interval", s.cfg.Interval)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		s.sweepIfLeader(ctx)

		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopping")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Sweeper) sweepIfLeader(ctx context.Context) {
	if s.elector != nil {
		release, acquired, err := s.elector.TryLead(ctx)
		if err != nil {
			s.logger.Error("leader election failed", "error", err)
			return
		}
		if !acquired {
			s.logger.Debug("another instance is sweeping, skipping tick")
			return
		}
		defer release()
	}

	if err := s.Sweep(ctx); err != nil {
		s.logger.Error("sweep failed", "error", err)
	}
}

// Sweep runs all reconciliation passes once. Per-record errors are logged
// and skipped so one bad record never blocks the rest; pass-level errors
// (listing failures) are returned.
func (s *Sweeper) Sweep(ctx context.Context) error {
	start := s.Now()

	var errs []error
	if err := s.sweepExpiredReady(ctx); err != nil {
		errs = append(errs, fmt.Errorf("expired-ready pass: %w", err))
	}
	if err := s.sweepExpiredIdle(ctx); err != nil {
		errs = append(errs, fmt.Errorf("expired-idle pass: %w", err))
	}
	if err := s.sweepStuckClaims(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stuck-claim pass: %w", err))
	}
	if err := s.sweepOrphans(ctx); err != nil {
		errs = append(errs, fmt.Errorf("orphan pass: %w", err))
	}

	s.logger.Info("sweep complete", "duration", time.Since(start))
	return errors.Join(errs...)
}

// sweepExpiredReady tears down Ready previews whose TTL has passed:
// deprovision, then mark Cleaned, then tell the requester. The record only
// reaches Cleaned after the resources are gone, so a crash between steps
// just means the next sweep repeats them.
func (s *Sweeper) sweepExpiredReady(ctx context.Context) error {
	records, err := s.deployments.ListExpiredReady(ctx, s.Now(), s.cfg.BatchSize)
	if err != nil {
		s.sweepErrs.Add(ctx, 1)
		return err
	}

	for _, rec := range records {
		logger := s.logger.With("idempotency_key", rec.IdempotencyKey)

		if err := s.prov.Deprovision(ctx, rec.ResourceRefs); err != nil {
			logger.Error("failed to deprovision expired preview, will retry next sweep", "error", err)
			s.sweepErrs.Add(ctx, 1)
			continue
		}
		if err := s.deployments.MarkCleaned(ctx, rec.IdempotencyKey); err != nil {
			logger.Error("failed to mark expired preview cleaned", "error", err)
			s.sweepErrs.Add(ctx, 1)
			continue
		}

		s.expired.Add(ctx, 1)
		logger.Info("expired preview cleaned")
		s.notifyExpired(rec)
	}
	return nil
}

// sweepExpiredIdle retires Pending/Failed records that expired before they
// ever became Ready. They usually hold no resources, but a record that does
// carry refs (a failed attempt that got as far as creating something) is
// torn down before the terminal transition rather than left for the orphan
// pass a sweep later.
func (s *Sweeper) sweepExpiredIdle(ctx context.Context) error {
	records, err := s.deployments.ListExpiredIdle(ctx, s.Now(), s.cfg.BatchSize)
	if err != nil {
		s.sweepErrs.Add(ctx, 1)
		return err
	}

	for _, rec := range records {
		if len(rec.ResourceRefs) > 0 {
			if err := s.prov.Deprovision(ctx, rec.ResourceRefs); err != nil {
				s.logger.Error("failed to deprovision expired idle record, will retry next sweep", "idempotency_key", rec.IdempotencyKey, "error", err)
				s.sweepErrs.Add(ctx, 1)
				continue
			}
		}
		if err := s.deployments.MarkCleaned(ctx, rec.IdempotencyKey); err != nil {
			s.logger.Error("failed to retire expired idle record", "idempotency_key", rec.IdempotencyKey, "error", err)
			s.sweepErrs.Add(ctx, 1)
			continue
		}
		s.expired.Add(ctx, 1)
		s.logger.Info("expired idle record retired", "idempotency_key", rec.IdempotencyKey, "status", rec.Status)
	}
	return nil
}

// sweepStuckClaims resets records whose owner died mid-deployment: back to
// Pending (and back onto the queue) while retry budget remains, to Failed
// otherwise. The store's Reclaim only acts while the lease is still
// expired, so a worker that renews concurrently keeps its claim.
func (s *Sweeper) sweepStuckClaims(ctx context.Context) error {
	records, err := s.deployments.ListStuckClaims(ctx, s.Now(), s.cfg.BatchSize)
	if err != nil {
		s.sweepErrs.Add(ctx, 1)
		return err
	}

	for _, rec := range records {
		logger := s.logger.With("idempotency_key", rec.IdempotencyKey, "retry_count", rec.RetryCount)

		status, err := s.deployments.Reclaim(ctx, rec.IdempotencyKey, s.Now())
		if err != nil {
			logger.Error("failed to reclaim stuck record", "error", err)
			s.sweepErrs.Add(ctx, 1)
			continue
		}
		if status == "" {
			// The owner renewed or finished between the list and the
			// reclaim. Nothing to do.
			continue
		}

		s.reclaimed.Add(ctx, 1)
		logger.Info("reclaimed stuck record", "new_status", status)

		switch status {
		case store.StatusPending:
			// Re-enqueue so a worker picks the record back up even if the
			// original queue message is gone.
			if err := s.enqueueRetry(ctx, rec); err != nil {
				logger.Error("failed to re-enqueue reclaimed record, sweep will retry", "error", err)
				s.sweepErrs.Add(ctx, 1)
			}
		case store.StatusFailed:
			s.notifyFailed(rec)
		}
	}
	return nil
}

func (s *Sweeper) enqueueRetry(ctx context.Context, rec store.DeploymentRecord) error {
	payload, err := json.Marshal(api.DeployRequest{
		IdempotencyKey: rec.IdempotencyKey,
		Repo:           rec.Repo,
		PRNumber:       rec.PRNumber,
		CommitSHA:      rec.CommitSHA,
		RequesterMeta: api.RequesterMeta{
			ThreadID:  rec.RequesterMeta.ThreadID,
			CommentID: rec.RequesterMeta.CommentID,
			Requester: rec.RequesterMeta.Requester,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to marshal retry request: %w", err)
	}

	_, err = s.queue.Enqueue(ctx, nil, rec.IdempotencyKey, payload, s.Now())
	return err
}

// sweepOrphans deprovisions resources the provisioner manages but no
// record tracks. A resource counts as orphaned only when its key resolves
// to no record at all: refs mid-handoff (container created, Complete not
// yet written) still belong to a Claimed or Provisioning record and are
// left for the claim machinery to sort out.
func (s *Sweeper) sweepOrphans(ctx context.Context) error {
	live, err := s.prov.ListLiveResources(ctx)
	if err != nil {
		s.sweepErrs.Add(ctx, 1)
		return err
	}
	if len(live) == 0 {
		return nil
	}

	active, err := s.deployments.ListActiveResourceRefs(ctx)
	if err != nil {
		s.sweepErrs.Add(ctx, 1)
		return err
	}

	tracked := make(map[string]struct{}, len(active))
	for _, refs := range active {
		tracked[fingerprint(refs)] = struct{}{}
	}

	for _, refs := range live {
		if _, ok := tracked[fingerprint(refs)]; ok {
			continue
		}
		if key := refs["idempotency_key"]; key != "" {
			rec, err := s.deployments.Get(ctx, key)
			if err == nil && rec.Status != store.StatusCleaned {
				// A live record claims this resource even though its
				// stored refs don't match yet.
				continue
			}
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				s.logger.Error("failed to resolve resource owner, skipping", "idempotency_key", key, "error", err)
				s.sweepErrs.Add(ctx, 1)
				continue
			}
		}

		if err := s.prov.Deprovision(ctx, refs); err != nil {
			s.logger.Error("failed to deprovision orphan, will retry next sweep", "refs", refs, "error", err)
			s.sweepErrs.Add(ctx, 1)
			continue
		}
		s.orphans.Add(ctx, 1)
		s.logger.Warn("deprovisioned orphaned resource", "refs", refs)
	}
	return nil
}

// fingerprint renders refs as a canonical string for set membership.
func fingerprint(refs store.ResourceRefs) string {
	keys := make([]string, 0, len(refs))
	for k := range refs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(refs[k])
	}
	return b.String()
}

func (s *Sweeper) notifyExpired(rec store.DeploymentRecord) {
	url := ""
	if rec.PreviewURL != nil {
		url = *rec.PreviewURL
	}
	s.postStatus(rec, notifier.Status{
		IdempotencyKey: rec.IdempotencyKey,
		State:          notifier.StateExpired,
		PreviewURL:     url,
		Message:        "preview environment expired and was torn down",
	})
}

func (s *Sweeper) notifyFailed(rec store.DeploymentRecord) {
	msg := "deployment abandoned after repeated worker failures"
	if rec.LastError != nil {
		msg = *rec.LastError
	}
	s.postStatus(rec, notifier.Status{
		IdempotencyKey: rec.IdempotencyKey,
		State:          notifier.StateFailed,
		Message:        msg,
	})
}

func (s *Sweeper) postStatus(rec store.DeploymentRecord, status notifier.Status) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.notif.PostStatus(ctx, rec.RequesterMeta, status); err != nil {
		s.logger.Warn("failed to post status update", "idempotency_key", rec.IdempotencyKey, "state", status.State, "error", err)
	}
}
