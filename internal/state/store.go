// Package state records pipeline runs and model-run archives in a SQLite
// database so later invocations can list what was produced and when.
package state

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a run or archive does not exist.
var ErrNotFound = errors.New("not found")

// RunStatus is the lifecycle state of a run.
type RunStatus string

// Run statuses.
const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Run kinds recorded by the commands.
const (
	KindTAZ       = "taz"
	KindSummarize = "summarize"
	KindValidate  = "validate"
	KindArchive   = "archive"
)

// Run is one invocation of a pipeline command.
type Run struct {
	ID          string     `json:"id"`
	Kind        string     `json:"kind"`
	Name        string     `json:"name"`
	Status      RunStatus  `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Duration returns how long the run took, or zero while it is running.
func (r *Run) Duration() time.Duration {
	if r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}

// Archive is a model run directory packed into a compressed tarball.
type Archive struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	SourceDir string `json:"source_dir"`
	Path      string `json:"path"`
	Files     int    `json:"files"`
	Bytes     int64  `json:"bytes"`
	// SHA256 is the digest of the archive file itself.
	SHA256    string    `json:"sha256"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the persistence interface used by the commands.
type Store interface {
	CreateRun(ctx context.Context, kind, name string) (*Run, error)
	CompleteRun(ctx context.Context, id string, status RunStatus, errMsg string) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, kind string, limit int) ([]*Run, error)

	SaveArchive(ctx context.Context, a *Archive) error
	GetArchiveByName(ctx context.Context, name string) (*Archive, error)
	ListArchives(ctx context.Context) ([]*Archive, error)

	Close() error
}
