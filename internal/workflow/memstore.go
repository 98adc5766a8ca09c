package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pitabwire/stagegate/model"
)

// MemoryWorkflowStore is an in-memory WorkflowStore for tests and
// single-process deployments.
type MemoryWorkflowStore struct {
	mu        sync.RWMutex
	instances map[string]model.WorkflowInstance // key: instance ID
	byOrder   map[string]string                 // key: order ref
	events    map[string][]model.TransitionEvent // key: instance ID
}

// NewMemoryWorkflowStore creates a new in-memory workflow store.
func NewMemoryWorkflowStore() *MemoryWorkflowStore {
	return &MemoryWorkflowStore{
		instances: make(map[string]model.WorkflowInstance),
		byOrder:   make(map[string]string),
		events:    make(map[string][]model.TransitionEvent),
	}
}

// Create persists a new workflow instance.
func (s *MemoryWorkflowStore) Create(_ context.Context, inst model.WorkflowInstance, events ...model.TransitionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instances[inst.ID]; exists {
		return model.NewConflictError(
			fmt.Sprintf("workflow instance %q already exists", inst.ID),
		)
	}
	if _, exists := s.byOrder[inst.OrderRef]; exists {
		return model.NewConflictError(
			fmt.Sprintf("order %q already has a workflow instance", inst.OrderRef),
		)
	}

	s.instances[inst.ID] = inst.Clone()
	s.byOrder[inst.OrderRef] = inst.ID
	s.events[inst.ID] = append(s.events[inst.ID], events...)
	return nil
}

// Get retrieves a workflow instance by ID.
func (s *MemoryWorkflowStore) Get(_ context.Context, instanceID string) (model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, exists := s.instances[instanceID]
	if !exists {
		return model.WorkflowInstance{}, model.NewNotFoundError(
			fmt.Sprintf("workflow instance %q not found", instanceID),
		)
	}
	return inst.Clone(), nil
}

// GetByOrderRef retrieves the workflow instance attached to an order.
func (s *MemoryWorkflowStore) GetByOrderRef(ctx context.Context, orderRef string) (model.WorkflowInstance, error) {
	s.mu.RLock()
	id, exists := s.byOrder[orderRef]
	s.mu.RUnlock()

	if !exists {
		return model.WorkflowInstance{}, model.NewNotFoundError(
			fmt.Sprintf("no workflow instance for order %q", orderRef),
		)
	}
	return s.Get(ctx, id)
}

// Update persists an updated instance with optimistic locking.
func (s *MemoryWorkflowStore) Update(_ context.Context, inst model.WorkflowInstance, events ...model.TransitionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.instances[inst.ID]
	if !exists {
		return model.NewNotFoundError(
			fmt.Sprintf("workflow instance %q not found", inst.ID),
		)
	}

	// Optimistic lock check.
	if existing.Revision != inst.Revision {
		return model.NewConflictError(
			fmt.Sprintf("workflow instance %q revision conflict (expected %d, got %d)", inst.ID, inst.Revision, existing.Revision),
		)
	}

	stored := inst.Clone()
	stored.Revision++
	s.instances[inst.ID] = stored
	s.events[inst.ID] = append(s.events[inst.ID], events...)
	return nil
}

// GetEvents retrieves all transition events for an instance in recording order.
func (s *MemoryWorkflowStore) GetEvents(_ context.Context, instanceID string) ([]model.TransitionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.instances[instanceID]; !exists {
		return nil, model.NewNotFoundError(
			fmt.Sprintf("workflow instance %q not found", instanceID),
		)
	}

	events := s.events[instanceID]
	result := make([]model.TransitionEvent, len(events))
	copy(result, events)
	return result, nil
}

// List returns instances matching the filters.
func (s *MemoryWorkflowStore) List(_ context.Context, filters WorkflowFilters) ([]model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := s.filter(filters)

	// Sort by created_at descending.
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	// Apply offset and limit.
	if filters.Offset > 0 {
		if filters.Offset >= len(result) {
			return []model.WorkflowInstance{}, nil
		}
		result = result[filters.Offset:]
	}
	if filters.Limit > 0 && filters.Limit < len(result) {
		result = result[:filters.Limit]
	}

	return result, nil
}

// Count returns the number of instances matching the filters.
func (s *MemoryWorkflowStore) Count(_ context.Context, filters WorkflowFilters) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.filter(filters)), nil
}

func (s *MemoryWorkflowStore) filter(filters WorkflowFilters) []model.WorkflowInstance {
	var result []model.WorkflowInstance
	for _, inst := range s.instances {
		if filters.WorkflowType != "" && inst.WorkflowType != filters.WorkflowType {
			continue
		}
		if filters.Status != "" && inst.Status != filters.Status {
			continue
		}
		result = append(result, inst.Clone())
	}
	return result
}

// HealthCheck always succeeds for the in-memory store.
func (s *MemoryWorkflowStore) HealthCheck(context.Context) error {
	return nil
}

// Len returns the total number of instances. For testing.
func (s *MemoryWorkflowStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.instances)
}
