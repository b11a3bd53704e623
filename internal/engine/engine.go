// Package engine orchestrates the transfer lifecycle: uniqueness-checked
// creation, reconciliation of quota/expiry against the record store, and
// the terminal-status state machine. All collaborators are injected as
// interfaces; the engine itself holds no connections and no locks.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/droppointhq/droppoint/internal/apperr"
	"github.com/droppointhq/droppoint/internal/ident"
	"github.com/droppointhq/droppoint/internal/model"
	"github.com/droppointhq/droppoint/internal/policy"
	"github.com/droppointhq/droppoint/internal/queue"
)

// Repository is the record-store contract the engine depends on. Status
// writes and counter increments must be atomic, guarded store operations.
type Repository interface {
	Insert(ctx context.Context, t *model.Transfer) error
	GetByRecordKey(ctx context.Context, recordKey string) (*model.Transfer, error)
	CountByRecordKey(ctx context.Context, recordKey string) (int, error)
	SetStatusFrom(ctx context.Context, recordKey string, from, to model.Status) (bool, error)
	IncrementViews(ctx context.Context, recordKey string) (int, error)
	IncrementDownloads(ctx context.Context, recordKey string) (int, error)
}

// Gateway is the object-store contract the engine depends on.
type Gateway interface {
	IssueUploadURL(ctx context.Context, objectKey string, meta model.ObjectMeta, ttl time.Duration) (string, error)
	IssueDownloadURL(ctx context.Context, objectKey string, ttl time.Duration) (string, error)
}

// ReapScheduler hands settled transfers to the background object reaper.
type ReapScheduler interface {
	ScheduleReap(ctx context.Context, payload queue.ReapPayload) error
}

// Clock returns the current time; tests inject a fixed one.
type Clock func() time.Time

// maxCodeAttempts bounds the generate-check-insert retry loop. At 62^6
// codes a second collision in a row already points at a broken store.
const maxCodeAttempts = 5

// Engine drives transfers through their lifecycle.
type Engine struct {
	repo   Repository
	store  Gateway
	reaper ReapScheduler
	policy policy.Policy
	secret string
	clock  Clock
}

// New constructs an Engine.
func New(repo Repository, store Gateway, reaper ReapScheduler, pol policy.Policy, globalSecret string, clock Clock) *Engine {
	if clock == nil {
		clock = time.Now
	}
	return &Engine{
		repo:   repo,
		store:  store,
		reaper: reaper,
		policy: pol,
		secret: globalSecret,
		clock:  clock,
	}
}

func (e *Engine) presignTTL() time.Duration {
	return time.Duration(e.policy.PresignTTLSeconds) * time.Second
}

// Create validates the request, allocates a unique public code, persists
// the record, and returns the code plus a presigned upload URL. If URL
// issuance fails after the insert the record is kept as a failed
// tombstone; the object was never reachable.
func (e *Engine) Create(ctx context.Context, req *model.CreateRequest) (*model.CreateResult, error) {
	expireInMs, maxViews, maxDownloads, allowDelete, err := e.policy.ValidateCreate(req)
	if err != nil {
		return nil, err
	}

	var (
		code      string
		recordKey string
		transfer  *model.Transfer
	)
	for attempt := 0; ; attempt++ {
		if attempt >= maxCodeAttempts {
			return nil, apperr.New(apperr.KindInfrastructure, "could not allocate a unique transfer code")
		}
		code, err = ident.GeneratePublicCode()
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInfrastructure, "generate public code", err)
		}
		recordKey = ident.DeriveRecordKey(code, e.secret)
		// Pre-insert probe keeps the common case cheap; the insert below
		// still owns correctness under the check-then-insert race.
		n, err := e.repo.CountByRecordKey(ctx, recordKey)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInfrastructure, "check code uniqueness", err)
		}
		if n > 0 {
			continue
		}
		salt, err := ident.GenerateSalt(16)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInfrastructure, "generate salt", err)
		}
		transfer = &model.Transfer{
			RecordKey:    recordKey,
			Salt:         salt,
			Status:       model.StatusActive,
			Title:        req.Title,
			Message:      req.Message,
			CreatedAt:    e.clock().UnixMilli(),
			ExpireInMs:   expireInMs,
			MaxViews:     maxViews,
			MaxDownloads: maxDownloads,
			AllowDelete:  allowDelete,
			Object:       req.ObjectData,
		}
		if err := e.repo.Insert(ctx, transfer); err != nil {
			if errors.Is(err, apperr.ErrDuplicateRecord) {
				continue
			}
			return nil, apperr.Wrap(apperr.KindInfrastructure, "persist transfer", err)
		}
		break
	}

	objectKey := ident.DeriveObjectKey(code, recordKey, transfer.Salt)
	uploadURL, err := e.store.IssueUploadURL(ctx, objectKey, transfer.Object, e.presignTTL())
	if err != nil {
		if _, werr := e.repo.SetStatusFrom(ctx, recordKey, model.StatusActive, model.StatusFailed); werr != nil {
			log.Printf("engine: mark failed after presign error: %v", werr)
		}
		return nil, apperr.Wrap(apperr.KindInfrastructure, "issue upload url", err)
	}
	return &model.CreateResult{
		TransferID: code,
		Upload:     model.UploadTarget{Method: "PUT", URL: uploadURL},
	}, nil
}

// View fetches and reconciles a transfer, then counts the view. The fetch
// that reaches the view ceiling still succeeds; the ceiling bites on the
// next reconciliation.
func (e *Engine) View(ctx context.Context, code string) (*model.View, error) {
	t, err := e.fetch(ctx, code)
	if err != nil {
		return nil, err
	}
	expiresIn, err := e.reconcile(ctx, code, t)
	if err != nil {
		return nil, err
	}
	views, err := e.repo.IncrementViews(ctx, t.RecordKey)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInfrastructure, "count view", err)
	}
	if views > 0 {
		t.Views = views
	} else {
		// A concurrent reconciliation settled the record between our check
		// and the increment; this request was already admitted.
		t.Views++
	}
	v := publicView(code, t, expiresIn)
	return &v, nil
}

// Download fetches and reconciles a transfer, issues a download URL, and
// counts the download. An absent object inside the upload window is the
// retry-later AwaitingUpload signal; past the window it settles the
// transfer as failed.
func (e *Engine) Download(ctx context.Context, code string) (*model.DownloadResult, error) {
	t, err := e.fetch(ctx, code)
	if err != nil {
		return nil, err
	}
	expiresIn, err := e.reconcile(ctx, code, t)
	if err != nil {
		return nil, err
	}

	objectKey := ident.DeriveObjectKey(code, t.RecordKey, t.Salt)
	url, err := e.store.IssueDownloadURL(ctx, objectKey, e.presignTTL())
	if err != nil {
		if errors.Is(err, apperr.ErrObjectMissing) {
			return nil, e.classifyMissingObject(ctx, t)
		}
		return nil, apperr.Wrap(apperr.KindInfrastructure, "issue download url", err)
	}

	downloads, err := e.repo.IncrementDownloads(ctx, t.RecordKey)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInfrastructure, "count download", err)
	}
	if downloads > 0 {
		t.Downloads = downloads
	} else {
		t.Downloads++
	}
	return &model.DownloadResult{
		Transfer: publicView(code, t, expiresIn),
		URL:      url,
	}, nil
}

// Delete settles an active transfer as deleted, provided the sender
// created it with the delete capability. The capability check mutates
// nothing and never touches the object store.
func (e *Engine) Delete(ctx context.Context, code string) (*model.DeleteResult, error) {
	t, err := e.fetch(ctx, code)
	if err != nil {
		return nil, err
	}
	if _, err := e.reconcile(ctx, code, t); err != nil {
		return nil, err
	}
	if !t.AllowDelete {
		return nil, apperr.New(apperr.KindDeleteNotAllowed, "transfer does not allow deletion")
	}
	changed, err := e.repo.SetStatusFrom(ctx, t.RecordKey, model.StatusActive, model.StatusDeleted)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInfrastructure, "mark deleted", err)
	}
	if !changed {
		// Lost the race against another settling request.
		return nil, apperr.New(apperr.KindInactive, "transfer is no longer active")
	}
	e.scheduleReap(ctx, t, code, model.StatusDeleted)
	return &model.DeleteResult{TransferID: code, Status: model.StatusDeleted}, nil
}

// fetch validates the code shape and loads the record behind it.
func (e *Engine) fetch(ctx context.Context, code string) (*model.Transfer, error) {
	if !ident.ValidPublicCode(code) {
		return nil, apperr.New(apperr.KindInvalidRequest, "malformed transfer code")
	}
	recordKey := ident.DeriveRecordKey(code, e.secret)
	t, err := e.repo.GetByRecordKey(ctx, recordKey)
	if err != nil {
		if errors.Is(err, apperr.ErrRecordMissing) {
			return nil, apperr.New(apperr.KindNotFound, "transfer not found")
		}
		return nil, apperr.Wrap(apperr.KindInfrastructure, "load transfer", err)
	}
	return t, nil
}

// reconcile is the single entry point that normalizes a fetched record
// before any other lifecycle logic runs. It returns the remaining
// lifetime in milliseconds, or an InactiveTransfer error once the record
// sits in a terminal state.
func (e *Engine) reconcile(ctx context.Context, code string, t *model.Transfer) (int64, error) {
	now := e.clock().UnixMilli()

	if t.Salt == "" || t.CreatedAt <= 0 {
		// The record's shape is unusable; without the salt the object key
		// cannot even be derived, so there is nothing to reap.
		if t.Status == model.StatusActive {
			if _, err := e.repo.SetStatusFrom(ctx, t.RecordKey, model.StatusActive, model.StatusCorrupted); err != nil {
				return 0, apperr.Wrap(apperr.KindInfrastructure, "mark corrupted", err)
			}
			t.Status = model.StatusCorrupted
		}
		return 0, inactive(t.Status)
	}

	expiresIn := t.CreatedAt + t.ExpireInMs - now
	if t.Status == model.StatusActive &&
		(expiresIn <= 0 || t.Views >= t.MaxViews || t.Downloads >= t.MaxDownloads) {
		changed, err := e.repo.SetStatusFrom(ctx, t.RecordKey, model.StatusActive, model.StatusExpired)
		if err != nil {
			return 0, apperr.Wrap(apperr.KindInfrastructure, "mark expired", err)
		}
		t.Status = model.StatusExpired
		if changed {
			e.scheduleReap(ctx, t, code, model.StatusExpired)
		}
	}

	if t.Status != model.StatusActive {
		return 0, inactive(t.Status)
	}
	return expiresIn, nil
}

// classifyMissingObject distinguishes "never uploaded yet" from "upload
// window elapsed" when the blob store has no object for an active record.
func (e *Engine) classifyMissingObject(ctx context.Context, t *model.Transfer) error {
	now := e.clock().UnixMilli()
	windowEnd := t.CreatedAt + e.policy.PresignTTLSeconds*1000
	if now < windowEnd {
		return apperr.New(apperr.KindAwaitingUpload, "upload not completed yet, retry later")
	}
	if _, err := e.repo.SetStatusFrom(ctx, t.RecordKey, model.StatusActive, model.StatusFailed); err != nil {
		return apperr.Wrap(apperr.KindInfrastructure, "mark failed", err)
	}
	return apperr.New(apperr.KindInactive, "upload window elapsed without an upload").
		WithData(map[string]any{"status": model.StatusFailed})
}

// scheduleReap enqueues the best-effort object deletion. Failures here are
// logged only: the record side is already consistent and the reaper is an
// optimization of the object side.
func (e *Engine) scheduleReap(ctx context.Context, t *model.Transfer, code string, prior model.Status) {
	payload := queue.ReapPayload{
		RecordKey:   t.RecordKey,
		ObjectKey:   ident.DeriveObjectKey(code, t.RecordKey, t.Salt),
		PriorStatus: prior,
	}
	if err := e.reaper.ScheduleReap(ctx, payload); err != nil {
		log.Printf("engine: schedule reap for %s: %v", t.RecordKey, err)
	}
}

func inactive(status model.Status) error {
	return apperr.New(apperr.KindInactive, fmt.Sprintf("transfer is %s", status)).
		WithData(map[string]any{"status": status})
}

func publicView(code string, t *model.Transfer, expiresIn int64) model.View {
	return model.View{
		TransferID:   code,
		Status:       t.Status,
		Title:        t.Title,
		Message:      t.Message,
		CreatedAt:    t.CreatedAt,
		ExpiresIn:    expiresIn,
		Views:        t.Views,
		MaxViews:     t.MaxViews,
		Downloads:    t.Downloads,
		MaxDownloads: t.MaxDownloads,
		AllowDelete:  t.AllowDelete,
		Object:       t.Object,
	}
}
