package boot

import (
	"time"

	"github.com/google/uuid"
)

// WorkRequest describes one deferred unit of work to be run once.
// Ownership passes to the WorkScheduler on Enqueue.
type WorkRequest struct {
	ID        string    `json:"id"`
	TaskType  string    `json:"task_type"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// OneTimeWorkRequest builds a new descriptor for taskType. Every call yields a
// distinct ID.
func OneTimeWorkRequest(taskType string, tags ...string) WorkRequest {
	return WorkRequest{
		ID:        uuid.NewString(),
		TaskType:  taskType,
		Tags:      append([]string(nil), tags...),
		CreatedAt: time.Now(),
	}
}

// WorkScheduler accepts one-time work requests.
type WorkScheduler interface {
	Enqueue(req WorkRequest) error
}

// WorkSchedulerFunc adapts a function to WorkScheduler.
type WorkSchedulerFunc func(req WorkRequest) error

func (f WorkSchedulerFunc) Enqueue(req WorkRequest) error { return f(req) }
