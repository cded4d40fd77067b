package storage

import (
	"time"
)

// Job is one unit of asynchronous work in the SQLite-backed queue.
// Indexing runs through this queue so that embedding rebuilds never block
// the ingestion write path.
type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}

// RecommendationRecord is one row of the recommendation log, kept for the
// periodic distribution audit. Demographic columns are snapshotted at
// serving time so the audit reflects what the user looked like when the
// recommendation was served.
type RecommendationRecord struct {
	ID          string
	UserID      string
	ContentID   string
	Score       float64
	Language    string
	Gender      string
	IncomeRange string
	CreatedAt   time.Time
}

// ItemVersion pairs a content id with its current committed version.
// Used by cache reconciliation for version comparison.
type ItemVersion struct {
	ID      string
	Version int64
}
