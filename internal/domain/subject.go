package domain

import "github.com/kailas-cloud/amcat/internal/domain/role"

// KeyPrefix namespaces every key the server writes to the metadata store.
const KeyPrefix = "amcat:"

// GuestID identifies requests that carry no credentials.
const GuestID = "_guest"

// Subject is an authenticated caller together with its global role claim.
type Subject struct {
	ID         string
	GlobalRole role.Level
}

// Guest returns the anonymous subject.
func Guest() Subject { return Subject{ID: GuestID, GlobalRole: role.None} }

// IsGuest reports whether s is the anonymous subject.
func (s Subject) IsGuest() bool { return s.ID == GuestID }
