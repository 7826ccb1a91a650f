package models

import "time"

// Blob is an immutable byte string in the object store identified by its SHA-256.
type Blob struct {
	SHA256          string
	StorageKey      string
	Size            int64
	ContentType     string
	ContentEncoding string
	CreatedAt       time.Time
	DeletedAt       *time.Time
}

// IndexRevision is one published snapshot of a community's package index.
type IndexRevision struct {
	ID          int64
	CommunityID int64
	Community   string
	IndexBlob   string
	ChunkBlobs  []string
	CreatedAt   time.Time
	DeletedAt   *time.Time
}

// DownloadEvent is a durable record of one metered download.
type DownloadEvent struct {
	ID        int64
	VersionID int64
	Timestamp time.Time
}
