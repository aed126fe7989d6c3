package sandbox

import (
	"context"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
)

// StartReaper runs a background goroutine that periodically removes sandbox
// containers left behind by crashed or interrupted runs.
func (r *DockerRunner) StartReaper(ctx context.Context, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		r.log.Info("Sandbox reaper started", "interval", interval, "max_age", maxAge)

		for {
			select {
			case <-ticker.C:
				r.reapOrphans(ctx, maxAge)
			case <-ctx.Done():
				r.log.Info("Sandbox reaper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// reapOrphans removes labelled containers older than maxAge and returns how
// many it removed.
func (r *DockerRunner) reapOrphans(ctx context.Context, maxAge time.Duration) int {
	containers, err := r.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", labelManaged+"=true")),
	})
	if err != nil {
		r.log.Error("Sandbox reaper failed to list containers", "error", err)
		return 0
	}

	cutoff := r.now().Add(-maxAge)
	removed := 0
	for _, c := range containers {
		if !createdAt(c).Before(cutoff) {
			continue
		}
		r.log.Info("Sandbox reaper removing orphaned container", "container_id", c.ID, "state", c.State)
		r.remove(c.ID)
		removed++
	}

	if removed > 0 {
		r.log.Info("Sandbox reaper cleanup completed", "removed", removed)
	}
	return removed
}

func createdAt(c container.Summary) time.Time {
	if v, ok := c.Labels[labelCreated]; ok {
		if ts, err := strconv.ParseInt(v, 10, 64); err == nil {
			return time.Unix(ts, 0)
		}
	}
	return time.Unix(c.Created, 0)
}
