package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droppointhq/droppoint/internal/apperr"
	"github.com/droppointhq/droppoint/internal/ident"
	"github.com/droppointhq/droppoint/internal/model"
	"github.com/droppointhq/droppoint/internal/policy"
	"github.com/droppointhq/droppoint/internal/queue"
)

const testSecret = "test-global-secret"

const validHash = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

// fakeRepo is an in-memory stand-in for the Postgres repository. It mirrors
// the store-level guarantees the engine relies on: guarded status writes
// and increments that no-op once the record is settled.
type fakeRepo struct {
	mu        sync.RWMutex
	records   map[string]*model.Transfer
	insertErr []error // popped per Insert call, nil entries mean success
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{records: make(map[string]*model.Transfer)}
}

func (f *fakeRepo) Insert(_ context.Context, t *model.Transfer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.insertErr) > 0 {
		err := f.insertErr[0]
		f.insertErr = f.insertErr[1:]
		if err != nil {
			return err
		}
	}
	if _, ok := f.records[t.RecordKey]; ok {
		return apperr.ErrDuplicateRecord
	}
	cp := *t
	f.records[t.RecordKey] = &cp
	return nil
}

func (f *fakeRepo) GetByRecordKey(_ context.Context, recordKey string) (*model.Transfer, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	rec, ok := f.records[recordKey]
	if !ok {
		return nil, apperr.ErrRecordMissing
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeRepo) CountByRecordKey(_ context.Context, recordKey string) (int, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if _, ok := f.records[recordKey]; ok {
		return 1, nil
	}
	return 0, nil
}

func (f *fakeRepo) SetStatusFrom(_ context.Context, recordKey string, from, to model.Status) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[recordKey]
	if !ok || rec.Status != from {
		return false, nil
	}
	rec.Status = to
	return true, nil
}

func (f *fakeRepo) IncrementViews(_ context.Context, recordKey string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[recordKey]
	if !ok || rec.Status != model.StatusActive {
		return 0, nil
	}
	rec.Views++
	return rec.Views, nil
}

func (f *fakeRepo) IncrementDownloads(_ context.Context, recordKey string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[recordKey]
	if !ok || rec.Status != model.StatusActive {
		return 0, nil
	}
	rec.Downloads++
	return rec.Downloads, nil
}

func (f *fakeRepo) status(t *testing.T, recordKey string) model.Status {
	t.Helper()
	f.mu.RLock()
	defer f.mu.RUnlock()
	rec, ok := f.records[recordKey]
	require.True(t, ok, "record %s should exist", recordKey)
	return rec.Status
}

type fakeGateway struct {
	mu          sync.Mutex
	uploadErr   error
	downloadErr error
	uploads     []string
	downloads   []string
}

func (f *fakeGateway) IssueUploadURL(_ context.Context, objectKey string, _ model.ObjectMeta, _ time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	f.uploads = append(f.uploads, objectKey)
	return "https://blobs.example/" + objectKey + "?sig=put", nil
}

func (f *fakeGateway) IssueDownloadURL(_ context.Context, objectKey string, _ time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.downloadErr != nil {
		return "", f.downloadErr
	}
	f.downloads = append(f.downloads, objectKey)
	return "https://blobs.example/" + objectKey + "?sig=get", nil
}

type fakeScheduler struct {
	mu    sync.Mutex
	reaps []queue.ReapPayload
}

func (f *fakeScheduler) ScheduleReap(_ context.Context, payload queue.ReapPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reaps = append(f.reaps, payload)
	return nil
}

func (f *fakeScheduler) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reaps)
}

// testClock is an adjustable clock injected into the engine.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.UnixMilli(1_700_000_000_000)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	engine    *Engine
	repo      *fakeRepo
	gateway   *fakeGateway
	scheduler *fakeScheduler
	clock     *testClock
}

func newFixture() *fixture {
	repo := newFakeRepo()
	gateway := &fakeGateway{}
	scheduler := &fakeScheduler{}
	clock := newTestClock()
	eng := New(repo, gateway, scheduler, policy.Default(), testSecret, clock.Now)
	return &fixture{engine: eng, repo: repo, gateway: gateway, scheduler: scheduler, clock: clock}
}

func createRequest(mutate func(*model.CreateRequest)) *model.CreateRequest {
	req := &model.CreateRequest{
		Title:   "a",
		Message: "b",
		ObjectData: model.ObjectMeta{
			Size:        10,
			ContentHash: validHash,
		},
	}
	if mutate != nil {
		mutate(req)
	}
	return req
}

func (fx *fixture) mustCreate(t *testing.T, mutate func(*model.CreateRequest)) *model.CreateResult {
	t.Helper()
	res, err := fx.engine.Create(context.Background(), createRequest(mutate))
	require.NoError(t, err)
	return res
}

func (fx *fixture) recordKey(code string) string {
	return ident.DeriveRecordKey(code, testSecret)
}

func TestCreateReturnsCodeAndUploadURL(t *testing.T) {
	fx := newFixture()
	res := fx.mustCreate(t, nil)

	assert.True(t, ident.ValidPublicCode(res.TransferID))
	assert.Equal(t, "PUT", res.Upload.Method)
	assert.NotEmpty(t, res.Upload.URL)

	rec, err := fx.repo.GetByRecordKey(context.Background(), fx.recordKey(res.TransferID))
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, rec.Status)
	assert.NotEmpty(t, rec.Salt)
	assert.Equal(t, int64(10), rec.Object.Size)

	// The presigned key must be the double derivation, not the record key.
	require.Len(t, fx.gateway.uploads, 1)
	assert.Equal(t, ident.DeriveObjectKey(res.TransferID, rec.RecordKey, rec.Salt), fx.gateway.uploads[0])
	assert.NotEqual(t, rec.RecordKey, fx.gateway.uploads[0])
}

func TestCreateRetriesOnDuplicateRecordKey(t *testing.T) {
	fx := newFixture()
	// First insert hits the unique constraint (the racy check-then-insert
	// window), the retry with a fresh code succeeds.
	fx.repo.insertErr = []error{apperr.ErrDuplicateRecord}

	res := fx.mustCreate(t, nil)
	assert.True(t, ident.ValidPublicCode(res.TransferID))
	assert.Len(t, fx.repo.records, 1, "exactly one record after a collision retry")
}

func TestCreateGivesUpAfterRepeatedCollisions(t *testing.T) {
	fx := newFixture()
	fx.repo.insertErr = []error{
		apperr.ErrDuplicateRecord, apperr.ErrDuplicateRecord, apperr.ErrDuplicateRecord,
		apperr.ErrDuplicateRecord, apperr.ErrDuplicateRecord,
	}

	_, err := fx.engine.Create(context.Background(), createRequest(nil))
	require.Error(t, err)
	assert.Equal(t, apperr.KindInfrastructure, apperr.KindOf(err))
}

func TestCreateMarksFailedWhenPresignFails(t *testing.T) {
	fx := newFixture()
	fx.gateway.uploadErr = errors.New("s3 unavailable")

	_, err := fx.engine.Create(context.Background(), createRequest(nil))
	require.Error(t, err)
	assert.Equal(t, apperr.KindInfrastructure, apperr.KindOf(err))

	// The record stays behind as a failed tombstone.
	require.Len(t, fx.repo.records, 1)
	for key := range fx.repo.records {
		assert.Equal(t, model.StatusFailed, fx.repo.status(t, key))
	}
}

func TestViewCountsAndReturnsRecord(t *testing.T) {
	fx := newFixture()
	res := fx.mustCreate(t, nil)

	view, err := fx.engine.View(context.Background(), res.TransferID)
	require.NoError(t, err)
	assert.Equal(t, res.TransferID, view.TransferID)
	assert.Equal(t, 1, view.Views)
	assert.Equal(t, model.StatusActive, view.Status)
	assert.Positive(t, view.ExpiresIn)
}

func TestViewQuotaBoundary(t *testing.T) {
	fx := newFixture()
	maxViews := 3
	res := fx.mustCreate(t, func(r *model.CreateRequest) { r.MaxViews = &maxViews })
	ctx := context.Background()

	// views 0 -> 1 -> 2.
	for i := 1; i <= 2; i++ {
		view, err := fx.engine.View(ctx, res.TransferID)
		require.NoError(t, err)
		assert.Equal(t, i, view.Views)
	}

	// views=2 < maxViews=3: this fetch must still succeed and reach the
	// ceiling.
	view, err := fx.engine.View(ctx, res.TransferID)
	require.NoError(t, err)
	assert.Equal(t, 3, view.Views)

	// The next fetch reconciles to expired before serving anything.
	_, err = fx.engine.View(ctx, res.TransferID)
	require.Error(t, err)
	assert.Equal(t, apperr.KindInactive, apperr.KindOf(err))
	assert.Equal(t, model.StatusExpired, fx.repo.status(t, fx.recordKey(res.TransferID)))
	assert.Equal(t, 1, fx.scheduler.count(), "expiry must enqueue exactly one reap")
}

func TestExpiryBoundary(t *testing.T) {
	fx := newFixture()
	expireIn := int64(60_000)
	res := fx.mustCreate(t, func(r *model.CreateRequest) { r.ExpireIn = &expireIn })
	ctx := context.Background()

	fx.clock.Advance(59_999 * time.Millisecond)
	view, err := fx.engine.View(ctx, res.TransferID)
	require.NoError(t, err, "one millisecond of lifetime left must still serve")
	assert.Equal(t, int64(1), view.ExpiresIn)

	fx.clock.Advance(2 * time.Millisecond)
	_, err = fx.engine.View(ctx, res.TransferID)
	require.Error(t, err)
	assert.Equal(t, apperr.KindInactive, apperr.KindOf(err))
	assert.Equal(t, model.StatusExpired, fx.repo.status(t, fx.recordKey(res.TransferID)))
}

func TestTerminalStatusIsMonotonic(t *testing.T) {
	fx := newFixture()
	res := fx.mustCreate(t, nil)
	key := fx.recordKey(res.TransferID)

	changed, err := fx.repo.SetStatusFrom(context.Background(), key, model.StatusActive, model.StatusDeleted)
	require.NoError(t, err)
	require.True(t, changed)

	// Every operation on a settled transfer fails and leaves it settled.
	_, err = fx.engine.View(context.Background(), res.TransferID)
	assert.Equal(t, apperr.KindInactive, apperr.KindOf(err))
	_, err = fx.engine.Download(context.Background(), res.TransferID)
	assert.Equal(t, apperr.KindInactive, apperr.KindOf(err))
	_, err = fx.engine.Delete(context.Background(), res.TransferID)
	assert.Equal(t, apperr.KindInactive, apperr.KindOf(err))

	assert.Equal(t, model.StatusDeleted, fx.repo.status(t, key))
}

func TestDownloadIssuesURLAndCounts(t *testing.T) {
	fx := newFixture()
	res := fx.mustCreate(t, nil)

	dl, err := fx.engine.Download(context.Background(), res.TransferID)
	require.NoError(t, err)
	assert.Contains(t, dl.URL, "sig=get")
	assert.Equal(t, 1, dl.Transfer.Downloads)
	assert.Equal(t, 0, dl.Transfer.Views, "downloads must not touch the view counter")
}

func TestDownloadQuotaBoundary(t *testing.T) {
	fx := newFixture()
	maxDownloads := 1
	res := fx.mustCreate(t, func(r *model.CreateRequest) { r.MaxDownloads = &maxDownloads })
	ctx := context.Background()

	dl, err := fx.engine.Download(ctx, res.TransferID)
	require.NoError(t, err)
	assert.Equal(t, 1, dl.Transfer.Downloads)

	_, err = fx.engine.Download(ctx, res.TransferID)
	require.Error(t, err)
	assert.Equal(t, apperr.KindInactive, apperr.KindOf(err))
	assert.Equal(t, model.StatusExpired, fx.repo.status(t, fx.recordKey(res.TransferID)))
}

func TestDownloadMissingObjectInsideUploadWindow(t *testing.T) {
	fx := newFixture()
	res := fx.mustCreate(t, nil)
	fx.gateway.downloadErr = apperr.ErrObjectMissing

	// Just inside the presign window: retry-later, status untouched.
	fx.clock.Advance(time.Duration(policy.Default().PresignTTLSeconds)*time.Second - time.Millisecond)
	_, err := fx.engine.Download(context.Background(), res.TransferID)
	require.Error(t, err)
	assert.Equal(t, apperr.KindAwaitingUpload, apperr.KindOf(err))
	assert.Equal(t, model.StatusActive, fx.repo.status(t, fx.recordKey(res.TransferID)))
}

func TestDownloadMissingObjectAfterUploadWindow(t *testing.T) {
	fx := newFixture()
	res := fx.mustCreate(t, nil)
	fx.gateway.downloadErr = apperr.ErrObjectMissing

	fx.clock.Advance(time.Duration(policy.Default().PresignTTLSeconds)*time.Second + time.Second)
	_, err := fx.engine.Download(context.Background(), res.TransferID)
	require.Error(t, err)
	assert.Equal(t, apperr.KindInactive, apperr.KindOf(err))
	assert.Equal(t, model.StatusFailed, fx.repo.status(t, fx.recordKey(res.TransferID)))
}

func TestDeleteRequiresCapability(t *testing.T) {
	fx := newFixture()
	res := fx.mustCreate(t, nil) // allowDelete defaults to false

	_, err := fx.engine.Delete(context.Background(), res.TransferID)
	require.Error(t, err)
	assert.Equal(t, apperr.KindDeleteNotAllowed, apperr.KindOf(err))

	// No mutation, no reap, still active.
	assert.Equal(t, model.StatusActive, fx.repo.status(t, fx.recordKey(res.TransferID)))
	assert.Zero(t, fx.scheduler.count())
}

func TestDeleteSettlesTransfer(t *testing.T) {
	fx := newFixture()
	allow := true
	res := fx.mustCreate(t, func(r *model.CreateRequest) { r.AllowDelete = &allow })

	out, err := fx.engine.Delete(context.Background(), res.TransferID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDeleted, out.Status)
	assert.Equal(t, model.StatusDeleted, fx.repo.status(t, fx.recordKey(res.TransferID)))

	require.Equal(t, 1, fx.scheduler.count())
	reap := fx.scheduler.reaps[0]
	assert.Equal(t, model.StatusDeleted, reap.PriorStatus)
	assert.Equal(t, fx.recordKey(res.TransferID), reap.RecordKey)
}

func TestCorruptedRecordIsSettled(t *testing.T) {
	fx := newFixture()
	res := fx.mustCreate(t, nil)
	key := fx.recordKey(res.TransferID)
	fx.repo.records[key].Salt = ""

	_, err := fx.engine.View(context.Background(), res.TransferID)
	require.Error(t, err)
	assert.Equal(t, apperr.KindInactive, apperr.KindOf(err))
	assert.Equal(t, model.StatusCorrupted, fx.repo.status(t, key))
	assert.Zero(t, fx.scheduler.count(), "no object key can be derived without the salt")
}

func TestMalformedAndUnknownCodes(t *testing.T) {
	fx := newFixture()

	_, err := fx.engine.View(context.Background(), "nope")
	assert.Equal(t, apperr.KindInvalidRequest, apperr.KindOf(err))

	_, err = fx.engine.View(context.Background(), "aaaaaa")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestSingleUseScenario(t *testing.T) {
	fx := newFixture()
	one := 1
	res := fx.mustCreate(t, func(r *model.CreateRequest) {
		r.MaxViews = &one
		r.MaxDownloads = &one
	})
	require.Len(t, res.TransferID, 6)
	assert.Equal(t, "PUT", res.Upload.Method)

	view, err := fx.engine.View(context.Background(), res.TransferID)
	require.NoError(t, err)
	assert.Equal(t, 1, view.Views)

	_, err = fx.engine.View(context.Background(), res.TransferID)
	require.Error(t, err)
	assert.Equal(t, apperr.KindInactive, apperr.KindOf(err))
	assert.Equal(t, model.StatusExpired, fx.repo.status(t, fx.recordKey(res.TransferID)))
}
