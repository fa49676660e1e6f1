package task

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
)

// NATSStore backs the task Store with an in-memory index for fast lookups
// plus NATS publication of every state transition, mirroring
// fyrsmithlabs-contextd's pkg/mcp/operations.go OperationRegistry: events
// land on subjects "tasks.{owner}.{task_id}.{status}" so other processes
// can subscribe for SSE/streaming fanout, while Get/List are served from
// the local index rather than round-tripping NATS.
type NATSStore struct {
	nc *nats.Conn

	mu    sync.RWMutex
	tasks map[string]*Task
}

// NewNATSStore wraps an established NATS connection. The caller owns the
// connection's lifecycle (Close/Drain).
func NewNATSStore(nc *nats.Conn) *NATSStore {
	return &NATSStore{nc: nc, tasks: make(map[string]*Task)}
}

func (s *NATSStore) Put(ctx context.Context, t *Task) error {
	cp := *t
	s.mu.Lock()
	s.tasks[t.ID] = &cp
	s.mu.Unlock()

	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("task: marshal for publish: %w", err)
	}
	subject := fmt.Sprintf("tasks.%s.%s.%s", ownerOrAnon(t.Owner), t.ID, t.Status)
	if err := s.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("task: publish %s: %w", subject, err)
	}
	return nil
}

func (s *NATSStore) Get(ctx context.Context, id string) (*Task, bool, error) {
	s.mu.RLock()
	t, ok := s.tasks[id]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	cp := *t
	return &cp, true, nil
}

func (s *NATSStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	delete(s.tasks, id)
	s.mu.Unlock()
	return nil
}

func (s *NATSStore) List(ctx context.Context, owner string) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if owner == "" || t.Owner == owner {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func ownerOrAnon(owner string) string {
	if owner == "" {
		return "anonymous"
	}
	return owner
}
