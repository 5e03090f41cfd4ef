// Package spawner turns a resolved worker.Launch into a running process.
// Spawners create output directories and log files but never touch the
// supervisor's registry.
package spawner

import (
	"context"
	"os/exec"

	"github.com/loykin/camvisr/internal/media"
	"github.com/loykin/camvisr/internal/process"
	"github.com/loykin/camvisr/internal/worker"
)

// Spawner launches one worker process for a role.
type Spawner interface {
	Spawn(ctx context.Context, l worker.Launch) (*process.Process, error)
}

// Func adapts a function to Spawner.
type Func func(ctx context.Context, l worker.Launch) (*process.Process, error)

func (f Func) Spawn(ctx context.Context, l worker.Launch) (*process.Process, error) { return f(ctx, l) }

// Fixed runs the same command for every launch after preparing the role's
// output directory. It stands in for ffmpeg where the media pipeline itself is
// irrelevant, e.g. `sleep 60` in supervisor tests.
type Fixed struct {
	Layout media.Layout
	Name   string
	Args   []string
}

func (f Fixed) Spawn(ctx context.Context, l worker.Launch) (*process.Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := f.Layout.EnsureRoleDir(l.Camera.Name, l.Role); err != nil {
		return nil, err
	}
	// #nosec G204 -- command comes from configuration, not from requests
	return process.Start(exec.Command(f.Name, f.Args...), nil)
}
