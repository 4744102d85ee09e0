// Package credential defines the credential pool domain model: the
// credential record, its health state machine, and the store interface
// the rest of the service builds on.
package credential

import (
	"time"

	"github.com/google/uuid"
)

// Status is the health state of a credential.
type Status string

const (
	// StatusActive means the credential is eligible for selection.
	StatusActive Status = "active"

	// StatusExhausted means the upstream reported quota exhaustion.
	// Exhausted credentials are expected to recover on quota reset.
	StatusExhausted Status = "exhausted"

	// StatusError means the credential failed repeatedly or was
	// explicitly rejected upstream. Error credentials stay out of
	// rotation until a validation probe clears them.
	StatusError Status = "error"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusExhausted, StatusError:
		return true
	}
	return false
}

// Outcome classifies the result of an upstream call made with a
// credential. It drives the health state machine.
type Outcome string

const (
	// OutcomeSuccess is a successful upstream call.
	OutcomeSuccess Outcome = "success"

	// OutcomeFailure is a generic failure; it only demotes a credential
	// after the consecutive-failure threshold is crossed.
	OutcomeFailure Outcome = "failure"

	// OutcomeExhausted is an upstream quota-exhaustion signal (HTTP 429).
	OutcomeExhausted Outcome = "exhausted"

	// OutcomeError is an explicit rejection (auth failure, revoked key).
	OutcomeError Outcome = "error"

	// OutcomeInconclusive carries no health information; the credential
	// state is left untouched.
	OutcomeInconclusive Outcome = "inconclusive"
)

// Credential is a single upstream API credential tracked by the pool.
type Credential struct {
	// ID is the stable pool-internal identifier.
	ID string `json:"id"`

	// Secret is the upstream API key material.
	Secret string `json:"secret"`

	// Status is the current health state.
	Status Status `json:"status"`

	// FailedCount counts consecutive failed calls since the last success.
	FailedCount int `json:"failedCount"`

	// UsageCount counts successful upstream calls.
	UsageCount int64 `json:"usageCount"`

	// BucketCapacity overrides the pool-wide token bucket capacity when
	// greater than zero.
	BucketCapacity int `json:"bucketCapacity,omitempty"`

	// BucketRefillRate overrides the pool-wide refill rate when greater
	// than zero.
	BucketRefillRate float64 `json:"bucketRefillRate,omitempty"`

	LastUsedAt time.Time `json:"lastUsedAt,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// New creates an active credential for the given secret.
func New(secret string) *Credential {
	now := time.Now().UTC()
	return &Credential{
		ID:        uuid.NewString(),
		Secret:    secret,
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns a copy of the credential.
func (c *Credential) Clone() *Credential {
	cp := *c
	return &cp
}

// Redacted returns the secret with all but the last four characters
// masked, for logs and API responses.
func (c *Credential) Redacted() string {
	const visible = 4
	if len(c.Secret) <= visible {
		return "****"
	}
	return "****" + c.Secret[len(c.Secret)-visible:]
}

// Stats is a point-in-time census of the pool by status.
type Stats struct {
	Active    int       `json:"active"`
	Exhausted int       `json:"exhausted"`
	Error     int       `json:"error"`
	Total     int       `json:"total"`
	TakenAt   time.Time `json:"takenAt"`
}
