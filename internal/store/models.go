package store

import "time"

type User struct {
	ID           string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

// Decision is one persisted analysis. Records are append-only.
type Decision struct {
	ID        string
	OwnerID   string
	Question  string
	Pros      []string
	Cons      []string
	CreatedAt time.Time
	// Seq breaks ties between records created in the same instant.
	Seq int64
}

// RecentDecisionLimit bounds the history read.
const RecentDecisionLimit = 5
