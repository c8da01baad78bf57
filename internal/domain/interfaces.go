package domain

// ─── Service Interfaces ─────────────────────────────────────────────────────
// Infrastructure implements them; application layer depends on them.

// TaskStore is the durable record of task state, keyed by task id.
//
// UpdateTask must be atomic with respect to GetTask: a reader never observes
// a partially written record. Writes for one id are serialized; writes for
// different ids must not block each other for longer than a single write.
type TaskStore interface {
	// CreateTask persists a new record. Returns ErrTaskExists if the id is taken.
	CreateTask(task Task) error

	// UpdateTask merges patch into the record and returns the merged result.
	// Returns ErrTaskNotFound for unknown ids and ErrInvalidTransition when
	// the patch would break the record invariants.
	UpdateTask(id string, patch TaskPatch) (Task, error)

	// GetTask returns the record. Unknown and corrupt records both yield
	// ErrTaskNotFound.
	GetTask(id string) (*Task, error)

	// ListTasks returns up to limit records, newest first.
	ListTasks(limit int) ([]Task, error)

	Ping() error
	Close() error
}
