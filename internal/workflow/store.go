package workflow

import (
	"context"

	"github.com/pitabwire/stagegate/model"
)

// WorkflowStore persists workflow instances and their transition audit trail.
type WorkflowStore interface {
	// Create persists a new workflow instance. Returns CONFLICT if an
	// instance with the same ID or order reference already exists.
	Create(ctx context.Context, instance model.WorkflowInstance, events ...model.TransitionEvent) error

	// Get retrieves a workflow instance by ID. Returns NOT_FOUND if the
	// instance doesn't exist.
	Get(ctx context.Context, instanceID string) (model.WorkflowInstance, error)

	// GetByOrderRef retrieves the workflow instance attached to an order.
	GetByOrderRef(ctx context.Context, orderRef string) (model.WorkflowInstance, error)

	// Update persists an updated workflow instance and its transition events
	// as one compare-and-set keyed on Revision. The revision must match the
	// stored revision; the stored revision is then incremented. Returns
	// CONFLICT if the revision has changed.
	Update(ctx context.Context, instance model.WorkflowInstance, events ...model.TransitionEvent) error

	// GetEvents retrieves the transition events of an instance in the order
	// they were recorded.
	GetEvents(ctx context.Context, instanceID string) ([]model.TransitionEvent, error)

	// List returns instances matching the filters, newest first.
	List(ctx context.Context, filters WorkflowFilters) ([]model.WorkflowInstance, error)

	// Count returns the number of instances matching the filters, ignoring
	// Limit and Offset.
	Count(ctx context.Context, filters WorkflowFilters) (int, error)
}

// WorkflowFilters are optional filters for listing workflow instances.
type WorkflowFilters struct {
	WorkflowType string
	Status       string
	Limit        int
	Offset       int
}
