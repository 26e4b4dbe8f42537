package evidence

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/eleanor-dfir/eleanor/pkg/models"
)

// Evidence status values.
const (
	StatusReady   = "ready"
	StatusDeleted = "deleted"
)

// Repository persists evidence metadata and the custody log. Methods
// that change metadata take the custody event recording the change and
// must write both in the same transaction: an operation either happens
// and is logged, or neither.
type Repository interface {
	// Create stores new evidence together with its uploaded custody
	// event.
	Create(ctx context.Context, ev *models.Evidence, custody *models.CustodyEvent) error

	// Get returns the evidence row, including deleted ones.
	Get(ctx context.Context, id string) (*models.Evidence, error)

	// SetStatus updates the status and logs the custody event with it.
	SetStatus(ctx context.Context, id, status string, custody *models.CustodyEvent) error

	// UpdateMetadata applies metadata field changes and logs the
	// custody event with them.
	UpdateMetadata(ctx context.Context, id string, fields map[string]string, custody *models.CustodyEvent) error

	// AppendCustody records a read-only interaction (accessed,
	// downloaded, verified).
	AppendCustody(ctx context.Context, custody *models.CustodyEvent) error

	// Custody returns the full custody history for an evidence id in
	// chronological order. History survives evidence deletion.
	Custody(ctx context.Context, evidenceID string) ([]*models.CustodyEvent, error)
}

// MemoryRepository is an in-process Repository for tests and
// single-node use.
type MemoryRepository struct {
	mu       sync.Mutex
	evidence map[string]*models.Evidence
	custody  []*models.CustodyEvent
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{evidence: make(map[string]*models.Evidence)}
}

func (m *MemoryRepository) Create(_ context.Context, ev *models.Evidence, custody *models.CustodyEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.evidence[ev.ID]; ok {
		return fmt.Errorf("evidence %s already exists", ev.ID)
	}
	clone := *ev
	m.evidence[ev.ID] = &clone
	m.custody = append(m.custody, custody)
	return nil
}

func (m *MemoryRepository) Get(_ context.Context, id string) (*models.Evidence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.evidence[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	clone := *ev
	return &clone, nil
}

func (m *MemoryRepository) SetStatus(_ context.Context, id, status string, custody *models.CustodyEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.evidence[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	ev.Status = status
	m.custody = append(m.custody, custody)
	return nil
}

func (m *MemoryRepository) UpdateMetadata(_ context.Context, id string, fields map[string]string, custody *models.CustodyEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.evidence[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	for field, value := range fields {
		switch field {
		case "description":
			ev.Description = value
		case "evidence_type":
			ev.EvidenceType = value
		case "source_host":
			ev.SourceHost = value
		default:
			return fmt.Errorf("metadata field %q is not editable", field)
		}
	}
	m.custody = append(m.custody, custody)
	return nil
}

func (m *MemoryRepository) AppendCustody(_ context.Context, custody *models.CustodyEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.custody = append(m.custody, custody)
	return nil
}

func (m *MemoryRepository) Custody(_ context.Context, evidenceID string) ([]*models.CustodyEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.CustodyEvent
	for _, ce := range m.custody {
		if ce.EvidenceID == evidenceID {
			out = append(out, ce)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out, nil
}
