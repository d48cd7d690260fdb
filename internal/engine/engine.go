package engine

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"steward/internal/config"
	"steward/internal/domain"
	"steward/internal/events"
	"steward/internal/repo"
	"steward/internal/tools"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Tools  tools.Invoker
	Now    func() time.Time

	locks *keyedLocks
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
		locks:  newKeyedLocks(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowRFC3339() string {
	return e.now().UTC().Format(time.RFC3339)
}

// keyedLocks serializes in-process read-modify-write cycles on a shared key,
// here the (owner, category) graduation counters.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{locks: make(map[string]*sync.Mutex)}
}

func (k *keyedLocks) lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()
	m.Lock()
	return m.Unlock
}

func (e Engine) lockGraduation(ownerID string, category domain.ToolCategory) func() {
	if e.locks == nil {
		return func() {}
	}
	return e.locks.lock(ownerID + "|" + string(category))
}

var taskTransitions = map[domain.TaskStatus][]domain.TaskStatus{
	domain.TaskScheduled:    {domain.TaskInProgress, domain.TaskPendingInput, domain.TaskPaused, domain.TaskCancelled},
	domain.TaskInProgress:   {domain.TaskPendingInput, domain.TaskPaused, domain.TaskCompleted, domain.TaskCancelled},
	domain.TaskPendingInput: {domain.TaskInProgress, domain.TaskPaused, domain.TaskCompleted, domain.TaskCancelled},
	domain.TaskPaused:       {domain.TaskInProgress, domain.TaskPendingInput, domain.TaskCancelled},
	domain.TaskCompleted:    {},
	domain.TaskCancelled:    {},
}

func ensureTaskTransition(oldStatus, newStatus domain.TaskStatus) error {
	if oldStatus == newStatus {
		return nil
	}
	for _, s := range taskTransitions[oldStatus] {
		if s == newStatus {
			return nil
		}
	}
	return fmt.Errorf("task %s -> %s: %w", oldStatus, newStatus, domain.ErrInvalidTransition)
}
