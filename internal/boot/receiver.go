package boot

import "context"

// Handler reacts to one delivered event.
type Handler interface {
	Handle(ctx context.Context, ev *Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ev *Event) error

func (f HandlerFunc) Handle(ctx context.Context, ev *Event) error { return f(ctx, ev) }

// Receiver enqueues TaskType once per boot-completed event.
type Receiver struct {
	Scheduler WorkScheduler
	TaskType  string
}

func NewReceiver(s WorkScheduler, taskType string) *Receiver {
	return &Receiver{Scheduler: s, TaskType: taskType}
}

// Handle ignores ctx: the submission is fire-and-forget and has no
// cancellation path.
func (r *Receiver) Handle(_ context.Context, ev *Event) error {
	if ActionOf(ev) != ActionBootCompleted {
		return nil
	}
	return r.Scheduler.Enqueue(OneTimeWorkRequest(r.TaskType))
}
