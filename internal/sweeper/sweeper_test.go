package sweeper

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"previewplane/internal/notifier"
	"previewplane/internal/provisioner"
	"previewplane/internal/store"
	"previewplane/internal/store/storetest"
	"previewplane/pkg/api"
)

type fakeProvisioner struct {
	mu            sync.Mutex
	live          []store.ResourceRefs
	deprovisioned []store.ResourceRefs
}

func (f *fakeProvisioner) Provision(context.Context, provisioner.Request) (*provisioner.Result, error) {
	return nil, nil
}

func (f *fakeProvisioner) Deprovision(_ context.Context, refs store.ResourceRefs) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deprovisioned = append(f.deprovisioned, refs)
	return nil
}

func (f *fakeProvisioner) ListLiveResources(context.Context) ([]store.ResourceRefs, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.ResourceRefs(nil), f.live...), nil
}

func (f *fakeProvisioner) torndown() []store.ResourceRefs {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.ResourceRefs(nil), f.deprovisioned...)
}

type fakeNotifier struct {
	mu       sync.Mutex
	statuses []notifier.Status
}

func (f *fakeNotifier) PostStatus(_ context.Context, _ store.RequesterMeta, status notifier.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, status)
	return nil
}

func (f *fakeNotifier) posted() []notifier.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]notifier.Status(nil), f.statuses...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type env struct {
	mem   *storetest.Memory
	prov  *fakeProvisioner
	notif *fakeNotifier
	sw    *Sweeper
	now   time.Time
}

func newEnv(t *testing.T) *env {
	t.Helper()

	e := &env{
		mem:   storetest.New(storetest.Config{}),
		prov:  &fakeProvisioner{},
		notif: &fakeNotifier{},
		now:   time.Now(),
	}
	e.mem.Now = func() time.Time { return e.now }
	e.sw = New(e.mem, e.mem, e.prov, e.notif, nil, Config{}, testLogger())
	e.sw.Now = e.mem.Now
	return e
}

// readyRecord drives a record to Ready through the claim protocol.
func (e *env) readyRecord(t *testing.T, key string, ttl time.Duration) {
	t.Helper()

	rec := &store.DeploymentRecord{
		IdempotencyKey: key,
		Repo:           "acme/web",
		PRNumber:       42,
		CommitSHA:      "abc123",
	}
	res, err := e.mem.TryClaim(context.Background(), rec, "worker-1", time.Minute)
	if err != nil || res.Outcome != store.ClaimWon {
		t.Fatalf("claim failed: %v (%v)", err, res)
	}
	err = e.mem.Complete(context.Background(), key, "worker-1", store.ReadyOutcome{
		PreviewURL:   "http://abc123.preview.localhost",
		ResourceRefs: store.ResourceRefs{"container_id": "c-1", "idempotency_key": key},
		ExpiresAt:    e.now.Add(ttl),
	})
	if err != nil {
		t.Fatalf("complete failed: %v", err)
	}
}

func TestSweep_ExpiredReadyTornDown(t *testing.T) {
	e := newEnv(t)
	key := "acme/web#42:abc123"
	e.readyRecord(t, key, 4*time.Hour)

	// Not expired yet: nothing happens.
	if err := e.sw.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if len(e.prov.torndown()) != 0 {
		t.Fatal("unexpired preview was torn down")
	}

	// Past the TTL the preview is deprovisioned, cleaned and announced.
	e.now = e.now.Add(5 * time.Hour)
	if err := e.sw.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}

	torndown := e.prov.torndown()
	if len(torndown) != 1 || torndown[0]["container_id"] != "c-1" {
		t.Errorf("expected one teardown of c-1, got %v", torndown)
	}

	rec, err := e.mem.Get(context.Background(), key)
	if err != nil || rec.Status != store.StatusCleaned {
		t.Errorf("expected record cleaned, got %v (%v)", rec, err)
	}

	statuses := e.notif.posted()
	if len(statuses) != 1 || statuses[0].State != notifier.StateExpired {
		t.Errorf("expected one expired notification, got %+v", statuses)
	}

	// Idempotent: a repeated sweep touches nothing.
	if err := e.sw.Sweep(context.Background()); err != nil {
		t.Fatalf("repeat sweep failed: %v", err)
	}
	if len(e.prov.torndown()) != 1 {
		t.Error("repeated sweep deprovisioned again")
	}
}

func TestSweep_ForceExpiredReadyTornDownEarly(t *testing.T) {
	e := newEnv(t)
	key := "acme/web#42:abc123"
	e.readyRecord(t, key, 4*time.Hour)

	// PR closed long before the TTL: expiry moves to now.
	if err := e.mem.ForceExpire(context.Background(), key, e.now); err != nil {
		t.Fatalf("force-expire failed: %v", err)
	}

	if err := e.sw.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}

	rec, _ := e.mem.Get(context.Background(), key)
	if rec.Status != store.StatusCleaned {
		t.Errorf("force-expired preview not cleaned, status %s", rec.Status)
	}
	if len(e.prov.torndown()) != 1 {
		t.Errorf("force-expired preview not torn down")
	}
}

func TestSweep_ExpiredIdleRetired(t *testing.T) {
	e := newEnv(t)
	key := "acme/web#42:abc123"

	// A pending record whose PR closed before a worker ever claimed it.
	_, err := e.mem.CreateStub(context.Background(), nil, &store.DeploymentRecord{
		IdempotencyKey: key,
		Repo:           "acme/web",
		PRNumber:       42,
		CommitSHA:      "abc123",
	})
	if err != nil {
		t.Fatalf("create stub failed: %v", err)
	}
	if err := e.mem.ForceExpire(context.Background(), key, e.now); err != nil {
		t.Fatalf("force-expire failed: %v", err)
	}

	if err := e.sw.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}

	rec, _ := e.mem.Get(context.Background(), key)
	if rec.Status != store.StatusCleaned {
		t.Errorf("expired idle record not retired, status %s", rec.Status)
	}
	// It never held resources; nothing to deprovision.
	if len(e.prov.torndown()) != 0 {
		t.Errorf("idle record teardown attempted: %v", e.prov.torndown())
	}
}

func TestSweep_ExpiredIdleWithResourcesTornDown(t *testing.T) {
	e := newEnv(t)
	key := "acme/web#42:abc123"

	// A failed attempt that created a container before giving up: the
	// record carries refs even though it never reached Ready.
	expired := e.now.Add(-time.Minute)
	e.mem.Seed(&store.DeploymentRecord{
		IdempotencyKey: key,
		Repo:           "acme/web",
		PRNumber:       42,
		CommitSHA:      "abc123",
		Status:         store.StatusFailed,
		ResourceRefs:   store.ResourceRefs{"container_id": "c-half", "idempotency_key": key},
		ExpiresAt:      &expired,
	})

	if err := e.sw.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}

	torndown := e.prov.torndown()
	if len(torndown) != 1 || torndown[0]["container_id"] != "c-half" {
		t.Errorf("expected teardown of the half-provisioned container, got %v", torndown)
	}

	rec, _ := e.mem.Get(context.Background(), key)
	if rec.Status != store.StatusCleaned {
		t.Errorf("expired failed record not retired, status %s", rec.Status)
	}
}

func TestSweep_StuckClaimReclaimedAndRequeued(t *testing.T) {
	e := newEnv(t)
	key := "acme/web#42:abc123"

	rec := &store.DeploymentRecord{
		IdempotencyKey: key,
		Repo:           "acme/web",
		PRNumber:       42,
		CommitSHA:      "abc123",
		RequesterMeta:  store.RequesterMeta{Requester: "dev"},
	}
	res, err := e.mem.TryClaim(context.Background(), rec, "worker-dead", time.Minute)
	if err != nil || res.Outcome != store.ClaimWon {
		t.Fatalf("claim failed: %v", err)
	}

	// The worker dies; its lease expires.
	e.now = e.now.Add(2 * time.Minute)

	if err := e.sw.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}

	got, _ := e.mem.Get(context.Background(), key)
	if got.Status != store.StatusPending {
		t.Errorf("stuck claim not reset, status %s", got.Status)
	}
	if got.RetryCount != 1 {
		t.Errorf("reclaim should spend a retry, got %d", got.RetryCount)
	}
	if got.OwnerID != nil {
		t.Errorf("owner not cleared: %v", *got.OwnerID)
	}

	// The request is back on the queue with a full payload.
	messages, err := e.mem.Dequeue(context.Background(), 1)
	if err != nil || len(messages) != 1 {
		t.Fatalf("expected requeued message: %v (%d)", err, len(messages))
	}
	var req api.DeployRequest
	if err := json.Unmarshal(messages[0].Payload, &req); err != nil {
		t.Fatalf("bad requeued payload: %v", err)
	}
	if req.IdempotencyKey != key || req.Repo != "acme/web" || req.RequesterMeta.Requester != "dev" {
		t.Errorf("requeued payload incomplete: %+v", req)
	}
}

func TestSweep_StuckClaimExhaustedBudgetFails(t *testing.T) {
	e := newEnv(t)
	e.mem = storetest.New(storetest.Config{MaxRetryCount: 1})
	e.mem.Now = func() time.Time { return e.now }
	e.sw = New(e.mem, e.mem, e.prov, e.notif, nil, Config{}, testLogger())
	e.sw.Now = e.mem.Now

	key := "acme/web#42:abc123"
	rec := &store.DeploymentRecord{
		IdempotencyKey: key,
		Repo:           "acme/web",
		PRNumber:       42,
		CommitSHA:      "abc123",
	}
	if _, err := e.mem.TryClaim(context.Background(), rec, "worker-dead", time.Minute); err != nil {
		t.Fatalf("claim failed: %v", err)
	}

	e.now = e.now.Add(2 * time.Minute)

	if err := e.sw.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}

	got, _ := e.mem.Get(context.Background(), key)
	if got.Status != store.StatusFailed {
		t.Errorf("exhausted claim should fail, status %s", got.Status)
	}
	if !got.ManualReview {
		t.Error("exhausted claim should be flagged for manual review")
	}

	// Nothing is requeued; the failure is announced instead.
	if depth, _ := e.mem.Depth(context.Background()); depth != 0 {
		t.Errorf("exhausted claim was requeued, depth %d", depth)
	}
	statuses := e.notif.posted()
	if len(statuses) != 1 || statuses[0].State != notifier.StateFailed {
		t.Errorf("expected one failed notification, got %+v", statuses)
	}
}

func TestSweep_ReclaimRace_RenewedLeaseWins(t *testing.T) {
	e := newEnv(t)
	key := "acme/web#42:abc123"

	rec := &store.DeploymentRecord{IdempotencyKey: key, Repo: "acme/web", PRNumber: 42, CommitSHA: "abc123"}
	if _, err := e.mem.TryClaim(context.Background(), rec, "worker-1", time.Minute); err != nil {
		t.Fatalf("claim failed: %v", err)
	}

	// The lease expires, but the worker renews before the sweeper acts.
	e.now = e.now.Add(2 * time.Minute)
	if err := e.mem.RenewLease(context.Background(), key, "worker-1", time.Hour); err != nil {
		t.Fatalf("renew failed: %v", err)
	}

	if err := e.sw.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}

	got, _ := e.mem.Get(context.Background(), key)
	if got.Status != store.StatusClaimed {
		t.Errorf("renewed claim was reclaimed, status %s", got.Status)
	}
	if got.OwnerID == nil || *got.OwnerID != "worker-1" {
		t.Error("renewed claim lost its owner")
	}
}

func TestSweep_OrphanDeprovisioned(t *testing.T) {
	e := newEnv(t)

	// A container exists with no record at all behind it.
	e.prov.live = []store.ResourceRefs{
		{"container_id": "ghost", "container_name": "preview-lost", "idempotency_key": "acme/web#9:gone"},
	}

	if err := e.sw.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}

	torndown := e.prov.torndown()
	if len(torndown) != 1 || torndown[0]["container_id"] != "ghost" {
		t.Errorf("expected orphan teardown, got %v", torndown)
	}
}

func TestSweep_InFlightResourceIsNotAnOrphan(t *testing.T) {
	e := newEnv(t)
	key := "acme/web#42:abc123"

	// A worker holds the claim and has created the container, but has not
	// written Complete yet: the record carries no refs.
	rec := &store.DeploymentRecord{IdempotencyKey: key, Repo: "acme/web", PRNumber: 42, CommitSHA: "abc123"}
	if _, err := e.mem.TryClaim(context.Background(), rec, "worker-1", time.Hour); err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	e.prov.live = []store.ResourceRefs{
		{"container_id": "c-new", "idempotency_key": key},
	}

	if err := e.sw.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}

	if len(e.prov.torndown()) != 0 {
		t.Errorf("in-flight resource was torn down: %v", e.prov.torndown())
	}
}

func TestSweep_TrackedResourceIsNotAnOrphan(t *testing.T) {
	e := newEnv(t)
	key := "acme/web#42:abc123"
	e.readyRecord(t, key, 4*time.Hour)

	e.prov.live = []store.ResourceRefs{
		{"container_id": "c-1", "idempotency_key": key},
	}

	if err := e.sw.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}

	if len(e.prov.torndown()) != 0 {
		t.Errorf("tracked resource was torn down: %v", e.prov.torndown())
	}
}

type denyElector struct{}

func (denyElector) TryLead(context.Context) (func(), bool, error) {
	return nil, false, nil
}

func TestSweepIfLeader_SkipsWhenNotLeading(t *testing.T) {
	e := newEnv(t)
	key := "acme/web#42:abc123"
	e.readyRecord(t, key, 4*time.Hour)
	e.now = e.now.Add(5 * time.Hour)

	e.sw.elector = denyElector{}
	e.sw.sweepIfLeader(context.Background())

	rec, _ := e.mem.Get(context.Background(), key)
	if rec.Status != store.StatusReady {
		t.Errorf("non-leader swept anyway, status %s", rec.Status)
	}
}
