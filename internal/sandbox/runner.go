// Package sandbox runs untrusted code in throwaway, resource-limited containers.
package sandbox

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/stormcloud/internal/domain"
)

// ErrSandboxUnavailable means the isolation backend could not provision or
// run a container. It is never used for a program that ran and exited nonzero.
var ErrSandboxUnavailable = errors.New("sandbox unavailable")

// Limits bounds a single run.
type Limits struct {
	Timeout     time.Duration
	MemoryBytes int64
	PidsLimit   int64
	NanoCPUs    int64
}

// DefaultLimits returns the limits used when nothing is configured.
func DefaultLimits() Limits {
	return Limits{
		Timeout:     5 * time.Second,
		MemoryBytes: 128 * 1024 * 1024,
		PidsLimit:   64,
		NanoCPUs:    500_000_000,
	}
}

// Runner executes a code submission and reports its output and exit status.
type Runner interface {
	// Run executes code under limits. A run that exceeds limits.Timeout is
	// killed and reported with domain.TimeoutExitCode and whatever output it
	// produced. Provisioning failures return ErrSandboxUnavailable.
	Run(ctx context.Context, code string, limits Limits) (domain.ExecutionResult, error)

	// Ping checks that the isolation backend is reachable.
	Ping(ctx context.Context) error
}
