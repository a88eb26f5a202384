package model

import "time"

// LinkCodeState is the lifecycle state of a link code row.
type LinkCodeState string

const (
	StatePending LinkCodeState = "PENDING"
	StateClaimed LinkCodeState = "CLAIMED"
	StateExpired LinkCodeState = "EXPIRED"
)

// LinkCode is a short-lived, single-use token that a player types as their
// display name to prove intent to associate two platform identities.
type LinkCode struct {
	ID             int64         `json:"id"`
	Code           string        `json:"code"`
	OwnerReference string        `json:"owner_reference"`
	State          LinkCodeState `json:"state"`
	CreatedAt      time.Time     `json:"created_at"`
	ExpiresAt      time.Time     `json:"expires_at"`
	ClaimedAt      *time.Time    `json:"claimed_at"`
}

// Expired reports whether the code is past its expiry at the given instant.
// Expiry is always decided by timestamp comparison, never by row state alone,
// so a stale PENDING row can never be claimed after its deadline.
func (lc *LinkCode) Expired(now time.Time) bool {
	return !now.Before(lc.ExpiresAt)
}

// ClaimStatus classifies the outcome of a claim attempt.
type ClaimStatus string

const (
	ClaimOK             ClaimStatus = "CLAIMED_OK"
	ClaimNotFound       ClaimStatus = "NOT_FOUND"
	ClaimExpired        ClaimStatus = "EXPIRED"
	ClaimAlreadyClaimed ClaimStatus = "ALREADY_CLAIMED"
)

// ClaimResult is what a claim attempt resolves to. OwnerReference is set only
// when Status is ClaimOK.
type ClaimResult struct {
	Status         ClaimStatus `json:"status"`
	OwnerReference string      `json:"owner_reference,omitempty"`
}
