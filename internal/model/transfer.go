// Package model contains the transfer entity and the request/response
// shapes shared across packages.
package model

// Status describes where a transfer sits in its lifecycle. A transfer
// starts out active and ends in exactly one terminal state; terminal
// states never transition into each other.
type Status string

const (
	// StatusActive is the sole initial state.
	StatusActive Status = "active"
	// StatusFailed marks transfers whose upload never materialized or
	// whose upload URL could not be issued.
	StatusFailed Status = "failed"
	// StatusExpired marks transfers past their expiry or quota.
	StatusExpired Status = "expired"
	// StatusDeleted marks transfers removed by the sender.
	StatusDeleted Status = "deleted"
	// StatusRemoved records that the record was settled but the backing
	// object could not be deleted from the blob store.
	StatusRemoved Status = "removed"
	// StatusCorrupted marks records whose stored shape is unusable.
	StatusCorrupted Status = "corrupted"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s != StatusActive
}

// ObjectMeta is recorded at creation time and annotates the stored object.
type ObjectMeta struct {
	Size        int64  `json:"size"`
	ContentHash string `json:"contentHash"`
}

// Transfer is a row in the transfers table, keyed by RecordKey. RecordKey
// and Salt never leave the server.
type Transfer struct {
	RecordKey    string     `json:"-"`
	Salt         string     `json:"-"`
	Status       Status     `json:"status"`
	Title        string     `json:"title"`
	Message      string     `json:"message"`
	CreatedAt    int64      `json:"createdAt"` // epoch ms
	ExpireInMs   int64      `json:"expireInMs"`
	Views        int        `json:"views"`
	MaxViews     int        `json:"maxViews"`
	Downloads    int        `json:"downloads"`
	MaxDownloads int        `json:"maxDownloads"`
	AllowDelete  bool       `json:"allowDelete"`
	Object       ObjectMeta `json:"object"`
}

// CreateRequest is the pre-validated input for a new transfer. Optional
// fields are pointers so the policy layer can tell "omitted" from "zero".
type CreateRequest struct {
	Title        string     `json:"title"`
	Message      string     `json:"message"`
	ObjectData   ObjectMeta `json:"objectData"`
	AllowDelete  *bool      `json:"allowDelete,omitempty"`
	ExpireIn     *int64     `json:"expireIn,omitempty"`
	MaxViews     *int       `json:"maxViews,omitempty"`
	MaxDownloads *int       `json:"maxDownloads,omitempty"`
}

// UploadTarget tells the sender how to deliver the content.
type UploadTarget struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

// CreateResult is the public response to a creation request.
type CreateResult struct {
	TransferID string       `json:"transferId"`
	Upload     UploadTarget `json:"upload"`
}

// View is the client-visible projection of a transfer plus the remaining
// lifetime computed at fetch time.
type View struct {
	TransferID   string     `json:"transferId"`
	Status       Status     `json:"status"`
	Title        string     `json:"title"`
	Message      string     `json:"message"`
	CreatedAt    int64      `json:"createdAt"`
	ExpiresIn    int64      `json:"expiresIn"`
	Views        int        `json:"views"`
	MaxViews     int        `json:"maxViews"`
	Downloads    int        `json:"downloads"`
	MaxDownloads int        `json:"maxDownloads"`
	AllowDelete  bool       `json:"allowDelete"`
	Object       ObjectMeta `json:"object"`
}

// DeleteResult confirms a sender-initiated deletion.
type DeleteResult struct {
	TransferID string `json:"transferId"`
	Status     Status `json:"status"`
}

// DownloadResult carries a presigned GET URL alongside the record view.
type DownloadResult struct {
	Transfer View   `json:"transfer"`
	URL      string `json:"url"`
}
