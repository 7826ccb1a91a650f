package models

import "time"

// UploadStatus is the lifecycle state of an UploadHandle. The values are the wire strings.
type UploadStatus string

const (
	UploadInitial  UploadStatus = "initial"
	UploadCreated  UploadStatus = "upload_initiated"
	UploadAborted  UploadStatus = "upload_aborted"
	UploadComplete UploadStatus = "upload_complete"
	UploadErrored  UploadStatus = "upload_error"
)

// Terminal reports whether no further transition is allowed out of s.
func (s UploadStatus) Terminal() bool {
	return s == UploadAborted || s == UploadComplete
}

// UploadHandle is the server-side record of a multipart upload into the object store.
type UploadHandle struct {
	ID            string       `json:"uuid"`
	OwnerID       *int64       `json:"-"`
	Filename      string       `json:"filename"`
	ObjectKey     string       `json:"-"`
	MultipartID   string       `json:"-"`
	Size          int64        `json:"size"`
	Expiry        *time.Time   `json:"expiry"`
	Status        UploadStatus `json:"status"`
	ContentSHA256 string       `json:"-"`
	CreatedAt     time.Time    `json:"-"`
	UpdatedAt     time.Time    `json:"-"`
}

// Expired reports whether the handle is past its expiry at now.
func (h *UploadHandle) Expired(now time.Time) bool {
	return h.Expiry != nil && !h.Expiry.After(now)
}

// PartURL is a presigned PUT URL for one part of a multipart upload.
type PartURL struct {
	PartNumber int    `json:"part_number"`
	URL        string `json:"url"`
	Offset     int64  `json:"offset"`
	Length     int64  `json:"length"`
}

// CompletedPart is a client-reported part, as returned by the object store on PUT.
type CompletedPart struct {
	ETag       string `json:"ETag"`
	PartNumber int    `json:"PartNumber"`
}
