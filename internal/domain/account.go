// Package domain contains core domain types for the StormCloud backend.
package domain

import (
	"time"
)

// Tier is an account subscription tier.
type Tier string

const (
	TierFree  Tier = "free"
	TierPaid  Tier = "paid"
	TierAdmin Tier = "admin"
)

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	switch t {
	case TierFree, TierPaid, TierAdmin:
		return true
	}
	return false
}

// Account represents a registered user together with its usage counters.
type Account struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	Email             string    `json:"email"`
	PasswordHash      string    `json:"-"`
	Tier              Tier      `json:"subscription_tier"`
	AIRequestsUsed    int64     `json:"ai_requests_used"`
	ExecutionsUsed    int64     `json:"executions_used"`
	SessionCredential string    `json:"-"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Usage returns a snapshot of the account counters.
func (a *Account) Usage() Usage {
	return Usage{
		AIRequestsUsed: a.AIRequestsUsed,
		ExecutionsUsed: a.ExecutionsUsed,
	}
}

// Usage holds the per-account metering counters. Both only ever grow.
type Usage struct {
	AIRequestsUsed int64 `json:"ai_requests_used"`
	ExecutionsUsed int64 `json:"executions_used"`
}
