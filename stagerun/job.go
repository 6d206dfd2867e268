package stagerun

import (
	"time"

	"github.com/google/uuid"
)

// Details describes one train/eval epoch handed to a JobRunner, mirroring
// dbspgraph/job.Details' role for bspgraph jobs but scoped to minibatch
// counts instead of UUID partitions.
type Details struct {
	JobID          string
	CreatedAt      time.Time
	NumMinibatches int
	ForwardOnly    bool
}

// NewJobID mints an opaque job identifier, following
// Chapter12/dbspgraph/job.Details' use of google/uuid for job identity —
// unlike a transport group key, a job id has no shared state to derive it
// from, so a random UUID is generated instead.
func NewJobID() string {
	return uuid.New().String()
}

// JobRunner is implemented by whatever owns the process lifecycle around a
// Runtime — typically the cmd/pipestage entrypoint. It is responsible for
// persisting/restoring module state via the state_dict/LoadStateDict hooks;
// the core itself neither reads nor writes a checkpoint file.
type JobRunner interface {
	// StartJob is called before the first minibatch of an epoch.
	StartJob(Details) error

	// CompleteJob is called after every minibatch of an epoch has run
	// successfully, and is the natural place to persist state_dict.
	CompleteJob(Details) error

	// AbortJob is called if an epoch ends in error.
	AbortJob(Details)
}

// Partitioner is the external collaborator that produced this worker's
// Stage, receive/send rank maps, and tensor tags. It is intentionally a thin marker: the model-partitioning
// compiler itself is out of scope; this core only consumes its
// output, already expressed as the Stage/Block/Op/Binding data structures
// in module.go.
type Partitioner interface {
	Stage() *Stage
}
