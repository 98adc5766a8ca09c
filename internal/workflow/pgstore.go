package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/stagegate/model"
)

const pgUniqueViolation = "23505"

const instanceColumns = `id, workflow_type, order_ref, status, stages, revision,
	created_by, created_at, updated_at, archived_at, cancel_reason`

// PgWorkflowStore is a PostgreSQL-backed WorkflowStore using pgx/v5. Stage
// state is stored as a JSONB document on the instance row so that a single
// conditional UPDATE covers every stage.
type PgWorkflowStore struct {
	pool *pgxpool.Pool
}

// NewPgWorkflowStore creates a new PostgreSQL workflow store.
func NewPgWorkflowStore(pool *pgxpool.Pool) *PgWorkflowStore {
	return &PgWorkflowStore{pool: pool}
}

// Create inserts a new workflow instance together with its initial events.
func (s *PgWorkflowStore) Create(ctx context.Context, inst model.WorkflowInstance, events ...model.TransitionEvent) error {
	stagesJSON, err := json.Marshal(inst.Stages)
	if err != nil {
		return fmt.Errorf("marshal stages: %w", err)
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO workflow_instances (
				id, workflow_type, order_ref, status, stages, revision,
				created_by, created_at, updated_at, archived_at, cancel_reason
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			inst.ID, inst.WorkflowType, inst.OrderRef, inst.Status, stagesJSON, inst.Revision,
			inst.CreatedBy, inst.CreatedAt, inst.UpdatedAt, inst.ArchivedAt, inst.CancelReason,
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
				return model.NewConflictError(
					fmt.Sprintf("order %q already has a workflow instance", inst.OrderRef),
				)
			}
			return fmt.Errorf("insert workflow instance: %w", err)
		}
		return insertEvents(ctx, tx, events)
	})
}

// Get retrieves a workflow instance by ID.
func (s *PgWorkflowStore) Get(ctx context.Context, instanceID string) (model.WorkflowInstance, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+instanceColumns+`
		FROM workflow_instances WHERE id = $1`, instanceID)
	inst, err := scanInstance(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowInstance{}, model.NewNotFoundError(
			fmt.Sprintf("workflow instance %q not found", instanceID),
		)
	}
	return inst, err
}

// GetByOrderRef retrieves the workflow instance attached to an order.
func (s *PgWorkflowStore) GetByOrderRef(ctx context.Context, orderRef string) (model.WorkflowInstance, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+instanceColumns+`
		FROM workflow_instances WHERE order_ref = $1`, orderRef)
	inst, err := scanInstance(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowInstance{}, model.NewNotFoundError(
			fmt.Sprintf("no workflow instance for order %q", orderRef),
		)
	}
	return inst, err
}

// Update persists an updated instance with optimistic locking. The events are
// written in the same transaction so the audit trail never runs ahead of or
// behind the stage state.
func (s *PgWorkflowStore) Update(ctx context.Context, inst model.WorkflowInstance, events ...model.TransitionEvent) error {
	stagesJSON, err := json.Marshal(inst.Stages)
	if err != nil {
		return fmt.Errorf("marshal stages: %w", err)
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE workflow_instances SET
				status = $1,
				stages = $2,
				revision = $3,
				updated_at = $4,
				archived_at = $5,
				cancel_reason = $6
			WHERE id = $7 AND revision = $8`,
			inst.Status, stagesJSON, inst.Revision+1,
			inst.UpdatedAt, inst.ArchivedAt, inst.CancelReason,
			inst.ID, inst.Revision,
		)
		if err != nil {
			return fmt.Errorf("update workflow instance: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return model.NewConflictError(
				fmt.Sprintf("workflow instance %q revision conflict (expected %d)", inst.ID, inst.Revision),
			)
		}
		return insertEvents(ctx, tx, events)
	})
}

// GetEvents retrieves all transition events for a workflow instance.
func (s *PgWorkflowStore) GetEvents(ctx context.Context, instanceID string) ([]model.TransitionEvent, error) {
	if _, err := s.Get(ctx, instanceID); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, workflow_instance_id, workflow_type, order_ref, stage_key,
		       from_status, to_status, version, actor, comment, created_at
		FROM workflow_events
		WHERE workflow_instance_id = $1
		ORDER BY seq ASC`,
		instanceID,
	)
	if err != nil {
		return nil, fmt.Errorf("query workflow events: %w", err)
	}
	defer rows.Close()

	var events []model.TransitionEvent
	for rows.Next() {
		var evt model.TransitionEvent
		if err := rows.Scan(
			&evt.ID, &evt.WorkflowInstanceID, &evt.WorkflowType, &evt.OrderRef, &evt.StageKey,
			&evt.FromStatus, &evt.ToStatus, &evt.Version, &evt.Actor, &evt.Comment, &evt.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan workflow event: %w", err)
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

// List returns instances matching the filters, newest first.
func (s *PgWorkflowStore) List(ctx context.Context, filters WorkflowFilters) ([]model.WorkflowInstance, error) {
	where, args := filterClause(filters)
	query := `SELECT ` + instanceColumns + ` FROM workflow_instances` + where + ` ORDER BY created_at DESC`
	argIdx := len(args) + 1

	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filters.Limit)
		argIdx++
	}
	if filters.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filters.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query workflow instances: %w", err)
	}
	defer rows.Close()

	var instances []model.WorkflowInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

// Count returns the number of instances matching the filters.
func (s *PgWorkflowStore) Count(ctx context.Context, filters WorkflowFilters) (int, error) {
	where, args := filterClause(filters)
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM workflow_instances`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count workflow instances: %w", err)
	}
	return n, nil
}

// HealthCheck pings the database.
func (s *PgWorkflowStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func filterClause(filters WorkflowFilters) (string, []any) {
	var (
		where string
		args  []any
	)
	add := func(column string, value any) {
		if where == "" {
			where = " WHERE "
		} else {
			where += " AND "
		}
		args = append(args, value)
		where += fmt.Sprintf("%s = $%d", column, len(args))
	}
	if filters.WorkflowType != "" {
		add("workflow_type", filters.WorkflowType)
	}
	if filters.Status != "" {
		add("status", filters.Status)
	}
	return where, args
}

func insertEvents(ctx context.Context, tx pgx.Tx, events []model.TransitionEvent) error {
	for _, evt := range events {
		_, err := tx.Exec(ctx, `
			INSERT INTO workflow_events (
				id, workflow_instance_id, workflow_type, order_ref, stage_key,
				from_status, to_status, version, actor, comment, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			evt.ID, evt.WorkflowInstanceID, evt.WorkflowType, evt.OrderRef, evt.StageKey,
			evt.FromStatus, evt.ToStatus, evt.Version, evt.Actor, evt.Comment, evt.Timestamp,
		)
		if err != nil {
			return fmt.Errorf("insert workflow event: %w", err)
		}
	}
	return nil
}

func scanInstance(row pgx.Row) (model.WorkflowInstance, error) {
	var (
		inst       model.WorkflowInstance
		stagesJSON []byte
	)
	err := row.Scan(
		&inst.ID, &inst.WorkflowType, &inst.OrderRef, &inst.Status, &stagesJSON, &inst.Revision,
		&inst.CreatedBy, &inst.CreatedAt, &inst.UpdatedAt, &inst.ArchivedAt, &inst.CancelReason,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.WorkflowInstance{}, err
		}
		return model.WorkflowInstance{}, fmt.Errorf("scan workflow instance: %w", err)
	}
	if err := json.Unmarshal(stagesJSON, &inst.Stages); err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("unmarshal stages: %w", err)
	}
	return inst, nil
}
