// Package policy holds the static quota/expiry bounds and validates
// creation requests against them. It is a pure lookup table: the engine
// consults it during reconciliation and the API layer consults it before a
// request ever reaches the engine.
package policy

import (
	"fmt"

	"github.com/droppointhq/droppoint/internal/apperr"
	"github.com/droppointhq/droppoint/internal/model"
)

// Policy is the full set of bounds a transfer must stay inside.
type Policy struct {
	MaxObjectSizeBytes int64
	MaxTitleLength     int
	MaxMessageLength   int

	ExpireInMsMin int64
	ExpireInMsMax int64

	ViewsMin int
	ViewsMax int

	DownloadsMin int
	DownloadsMax int

	PresignTTLSeconds int64
}

const (
	defaultMaxObjectSize = 256 << 20 // 256 MiB
	defaultMaxTitleLen   = 100
	defaultMaxMessageLen = 1000

	defaultExpireInMs = int64(24 * 60 * 60 * 1000) // 1 day
	minExpireInMs     = int64(60 * 1000)           // 1 minute
	maxExpireInMs     = int64(7 * 24 * 60 * 60 * 1000)

	defaultMaxViews     = 10
	defaultMaxDownloads = 5
	quotaMin            = 1
	quotaMax            = 100

	defaultPresignTTL = int64(5 * 60)
)

// Default returns the service policy.
func Default() Policy {
	return Policy{
		MaxObjectSizeBytes: defaultMaxObjectSize,
		MaxTitleLength:     defaultMaxTitleLen,
		MaxMessageLength:   defaultMaxMessageLen,
		ExpireInMsMin:      minExpireInMs,
		ExpireInMsMax:      maxExpireInMs,
		ViewsMin:           quotaMin,
		ViewsMax:           quotaMax,
		DownloadsMin:       quotaMin,
		DownloadsMax:       quotaMax,
		PresignTTLSeconds:  defaultPresignTTL,
	}
}

// ValidateCreate checks a creation request against the bounds and fills in
// defaults for omitted optional fields. It returns the normalized values
// the engine should persist.
func (p Policy) ValidateCreate(req *model.CreateRequest) (expireInMs int64, maxViews, maxDownloads int, allowDelete bool, err error) {
	if req.Title == "" || len(req.Title) > p.MaxTitleLength {
		return 0, 0, 0, false, invalid(fmt.Sprintf("title must be 1-%d characters", p.MaxTitleLength))
	}
	if len(req.Message) > p.MaxMessageLength {
		return 0, 0, 0, false, invalid(fmt.Sprintf("message must be at most %d characters", p.MaxMessageLength))
	}
	if req.ObjectData.Size <= 0 || req.ObjectData.Size > p.MaxObjectSizeBytes {
		return 0, 0, 0, false, invalid(fmt.Sprintf("object size must be 1-%d bytes", p.MaxObjectSizeBytes))
	}
	if !validContentHash(req.ObjectData.ContentHash) {
		return 0, 0, 0, false, invalid("object content hash must be 64 hex characters")
	}

	expireInMs = defaultExpireInMs
	if req.ExpireIn != nil {
		expireInMs = *req.ExpireIn
	}
	if expireInMs < p.ExpireInMsMin || expireInMs > p.ExpireInMsMax {
		return 0, 0, 0, false, invalid(fmt.Sprintf("expireIn must be %d-%d ms", p.ExpireInMsMin, p.ExpireInMsMax))
	}

	maxViews = defaultMaxViews
	if req.MaxViews != nil {
		maxViews = *req.MaxViews
	}
	if maxViews < p.ViewsMin || maxViews > p.ViewsMax {
		return 0, 0, 0, false, invalid(fmt.Sprintf("maxViews must be %d-%d", p.ViewsMin, p.ViewsMax))
	}

	maxDownloads = defaultMaxDownloads
	if req.MaxDownloads != nil {
		maxDownloads = *req.MaxDownloads
	}
	if maxDownloads < p.DownloadsMin || maxDownloads > p.DownloadsMax {
		return 0, 0, 0, false, invalid(fmt.Sprintf("maxDownloads must be %d-%d", p.DownloadsMin, p.DownloadsMax))
	}

	if req.AllowDelete != nil {
		allowDelete = *req.AllowDelete
	}
	return expireInMs, maxViews, maxDownloads, allowDelete, nil
}

func invalid(msg string) error {
	return apperr.New(apperr.KindInvalidRequest, msg)
}

func validContentHash(h string) bool {
	if len(h) != 64 {
		return false
	}
	for i := 0; i < len(h); i++ {
		c := h[i]
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
