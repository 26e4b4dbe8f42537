package playbook

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/eleanor-dfir/eleanor/pkg/models"
)

// ErrNotFound marks a missing playbook, execution, or approval.
var ErrNotFound = errors.New("playbook record not found")

// Store persists playbook definitions, executions, and approvals. Save
// methods upsert; the engine persists state before handing control
// back, so a crashed process can resume from the store.
type Store interface {
	SavePlaybook(ctx context.Context, pb *models.Playbook) error
	GetPlaybook(ctx context.Context, id string) (*models.Playbook, error)

	SaveExecution(ctx context.Context, exec *models.PlaybookExecution) error
	GetExecution(ctx context.Context, id string) (*models.PlaybookExecution, error)

	SaveApproval(ctx context.Context, ap *models.Approval) error
	// PendingApproval returns the open approval blocking an execution.
	PendingApproval(ctx context.Context, executionID string) (*models.Approval, error)
	// ExpiredApprovals returns pending approvals whose expiry has
	// passed, oldest first.
	ExpiredApprovals(ctx context.Context, now time.Time) ([]*models.Approval, error)
}

// MemoryStore is an in-process Store for tests and single-node use.
type MemoryStore struct {
	mu         sync.Mutex
	playbooks  map[string]*models.Playbook
	executions map[string]*models.PlaybookExecution
	approvals  map[string]*models.Approval
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		playbooks:  make(map[string]*models.Playbook),
		executions: make(map[string]*models.PlaybookExecution),
		approvals:  make(map[string]*models.Approval),
	}
}

func (m *MemoryStore) SavePlaybook(_ context.Context, pb *models.Playbook) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *pb
	clone.Steps = append([]models.Step(nil), pb.Steps...)
	m.playbooks[pb.ID] = &clone
	return nil
}

func (m *MemoryStore) GetPlaybook(_ context.Context, id string) (*models.Playbook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pb, ok := m.playbooks[id]
	if !ok {
		return nil, fmt.Errorf("%w: playbook %s", ErrNotFound, id)
	}
	clone := *pb
	clone.Steps = append([]models.Step(nil), pb.Steps...)
	return &clone, nil
}

func (m *MemoryStore) SaveExecution(_ context.Context, exec *models.PlaybookExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executions[exec.ID] = cloneExecution(exec)
	return nil
}

func (m *MemoryStore) GetExecution(_ context.Context, id string) (*models.PlaybookExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.executions[id]
	if !ok {
		return nil, fmt.Errorf("%w: execution %s", ErrNotFound, id)
	}
	return cloneExecution(exec), nil
}

func (m *MemoryStore) SaveApproval(_ context.Context, ap *models.Approval) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *ap
	m.approvals[ap.ID] = &clone
	return nil
}

func (m *MemoryStore) PendingApproval(_ context.Context, executionID string) (*models.Approval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ap := range m.approvals {
		if ap.ExecutionID == executionID && ap.Status == models.ApprovalPending {
			clone := *ap
			return &clone, nil
		}
	}
	return nil, fmt.Errorf("%w: no pending approval for execution %s", ErrNotFound, executionID)
}

func (m *MemoryStore) ExpiredApprovals(_ context.Context, now time.Time) ([]*models.Approval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Approval
	for _, ap := range m.approvals {
		if ap.Status == models.ApprovalPending && !ap.ExpiresAt.After(now) {
			clone := *ap
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, nil
}

func cloneExecution(exec *models.PlaybookExecution) *models.PlaybookExecution {
	clone := *exec
	clone.StepResults = append([]models.StepResult(nil), exec.StepResults...)
	return &clone
}
