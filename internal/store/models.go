package store

import "time"

type Document struct {
	ID          string
	OwnerID     string
	OwnerName   string
	Title       string
	Description string
	Status      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Lease is the exclusive checkout of one document. At most one row per
// document exists at any time; expiry is derived at read time and never
// swept in the background.
type Lease struct {
	DocumentID    string
	HolderID      string
	DurationHours int
	CreatedAt     time.Time
	ExpiresAt     time.Time
}

func (l Lease) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// Grant extends permissions on a document to a user, role or organization.
// Grants are immutable: changing permissions means revoke and re-share.
type Grant struct {
	ID          string
	DocumentID  string
	TargetType  string
	TargetID    string
	Permissions []string
	CreatedBy   string
	CreatedAt   time.Time
	ExpiresAt   *time.Time
	Comment     string
}

func (g Grant) Active(now time.Time) bool {
	return g.ExpiresAt == nil || now.Before(*g.ExpiresAt)
}
