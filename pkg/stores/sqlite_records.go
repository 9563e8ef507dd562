package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/leadflow/leadflow/pkg/engine"
)

// SaveExecution inserts or replaces a workflow execution.
func (s *SQLiteStore) SaveExecution(ctx context.Context, exec *engine.WorkflowExecution) error {
	if exec == nil || exec.ID == "" {
		return engine.ValidationError("execution id is required", nil)
	}

	execCtx, err := encodeJSON(exec.Context)
	if err != nil {
		return fmt.Errorf("failed to encode execution context: %w", err)
	}

	query := `
		INSERT INTO workflow_executions (id, lead_id, status, current_step, attempts, error, context, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			current_step = excluded.current_step,
			attempts = excluded.attempts,
			error = excluded.error,
			context = excluded.context,
			completed_at = excluded.completed_at
	`

	_, err = s.db.ExecContext(ctx, query,
		exec.ID,
		exec.LeadID,
		string(exec.Status),
		exec.CurrentStep,
		exec.Attempts,
		nullableString(exec.Error),
		execCtx,
		exec.StartedAt.UnixNano(),
		nullableNanos(exec.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save workflow execution: %w", err)
	}
	return nil
}

// GetExecution returns a workflow execution by ID.
func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*engine.WorkflowExecution, error) {
	query := `
		SELECT id, lead_id, status, current_step, attempts, error, context, started_at, completed_at
		FROM workflow_executions
		WHERE id = ?
	`

	exec, err := scanExecution(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, engine.NotFoundError("workflow execution", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow execution: %w", err)
	}
	return exec, nil
}

// ListExecutions returns executions for a lead, or all of them, oldest first.
func (s *SQLiteStore) ListExecutions(ctx context.Context, leadID string) ([]*engine.WorkflowExecution, error) {
	query := `
		SELECT id, lead_id, status, current_step, attempts, error, context, started_at, completed_at
		FROM workflow_executions
		WHERE (? = '' OR lead_id = ?)
		ORDER BY started_at, id
	`

	rows, err := s.db.QueryContext(ctx, query, leadID, leadID)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflow executions: %w", err)
	}
	defer rows.Close()

	execs := []*engine.WorkflowExecution{}
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow execution: %w", err)
		}
		execs = append(execs, exec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating workflow executions: %w", err)
	}

	return execs, nil
}

// CountActiveExecutions returns the number of pending or running executions.
func (s *SQLiteStore) CountActiveExecutions(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM workflow_executions WHERE status IN ('pending', 'running')").Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count active workflow executions: %w", err)
	}
	return n, nil
}

// FailInterrupted marks every active execution failed.
func (s *SQLiteStore) FailInterrupted(ctx context.Context, reason string, at time.Time) (int, error) {
	query := `
		UPDATE workflow_executions
		SET status = 'failed', error = ?, completed_at = ?
		WHERE status IN ('pending', 'running')
	`

	result, err := s.db.ExecContext(ctx, query, reason, at.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to mark interrupted executions: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(rows), nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanExecution(row rowScanner) (*engine.WorkflowExecution, error) {
	var (
		exec        engine.WorkflowExecution
		status      string
		errMsg      sql.NullString
		execCtx     sql.NullString
		startedAt   int64
		completedAt sql.NullInt64
	)

	if err := row.Scan(
		&exec.ID,
		&exec.LeadID,
		&status,
		&exec.CurrentStep,
		&exec.Attempts,
		&errMsg,
		&execCtx,
		&startedAt,
		&completedAt,
	); err != nil {
		return nil, err
	}

	exec.Status = engine.WorkflowStatus(status)
	exec.Error = errMsg.String
	exec.StartedAt = fromNanos(startedAt)
	exec.CompletedAt = fromNullNanos(completedAt)
	if execCtx.Valid && execCtx.String != "" {
		if err := json.Unmarshal([]byte(execCtx.String), &exec.Context); err != nil {
			return nil, fmt.Errorf("failed to decode execution context: %w", err)
		}
	}
	return &exec, nil
}

// AppendEvent appends an event to the audit log.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event engine.Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now()
	}
	if event.Level == "" {
		event.Level = "info"
	}

	data, err := encodeJSON(event.Data)
	if err != nil {
		return fmt.Errorf("failed to encode event data: %w", err)
	}

	query := `
		INSERT INTO events (id, type, source, lead_id, workflow_id, level, message, data, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		event.ID,
		event.Type,
		event.Source,
		nullableString(event.LeadID),
		nullableString(event.WorkflowID),
		event.Level,
		event.Message,
		data,
		event.Timestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// ListEvents returns the most recent matching events in chronological order.
func (s *SQLiteStore) ListEvents(ctx context.Context, q engine.EventQuery) ([]engine.Event, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = -1
	}
	var since int64
	if !q.Since.IsZero() {
		since = q.Since.UnixNano()
	}

	query := `
		SELECT id, type, source, lead_id, workflow_id, level, message, data, timestamp
		FROM events
		WHERE (? = '' OR lead_id = ?)
		  AND (? = '' OR type = ?)
		  AND timestamp >= ?
		ORDER BY seq DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, q.LeadID, q.LeadID, q.Type, q.Type, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []engine.Event{}
	for rows.Next() {
		var (
			e          engine.Event
			leadID     sql.NullString
			workflowID sql.NullString
			data       sql.NullString
			ts         int64
		)
		if err := rows.Scan(&e.ID, &e.Type, &e.Source, &leadID, &workflowID, &e.Level, &e.Message, &data, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.LeadID = leadID.String
		e.WorkflowID = workflowID.String
		e.Timestamp = fromNanos(ts)
		if data.Valid && data.String != "" {
			if err := json.Unmarshal([]byte(data.String), &e.Data); err != nil {
				return nil, fmt.Errorf("failed to decode event data: %w", err)
			}
		}
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	// Rows were read newest first.
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

// SeedSlots inserts slots that do not exist yet. Existing slots keep their booking.
func (s *SQLiteStore) SeedSlots(ctx context.Context, slots []engine.AppointmentSlot) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		INSERT OR IGNORE INTO slots (id, date, start_time, end_time, start_at, end_at, available, lead_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	inserted := 0
	for _, slot := range slots {
		result, err := tx.ExecContext(ctx, query,
			slot.ID,
			slot.Date,
			slot.StartTime,
			slot.EndTime,
			slot.Start.UnixNano(),
			slot.End.UnixNano(),
			slot.Available,
			nullableString(slot.LeadID),
		)
		if err != nil {
			return 0, fmt.Errorf("failed to seed slot %s: %w", slot.ID, err)
		}
		if n, err := result.RowsAffected(); err == nil {
			inserted += int(n)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit slots: %w", err)
	}
	return inserted, nil
}

// ListAvailable returns available slots starting in [from, to), earliest first.
func (s *SQLiteStore) ListAvailable(ctx context.Context, from, to time.Time) ([]engine.AppointmentSlot, error) {
	query := `
		SELECT id, date, start_time, end_time, start_at, end_at, available, lead_id
		FROM slots
		WHERE available = 1 AND start_at >= ? AND start_at < ?
		ORDER BY start_at, id
	`

	rows, err := s.db.QueryContext(ctx, query, from.UnixNano(), to.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to list slots: %w", err)
	}
	defer rows.Close()

	slots := []engine.AppointmentSlot{}
	for rows.Next() {
		slot, err := scanSlot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan slot: %w", err)
		}
		slots = append(slots, *slot)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating slots: %w", err)
	}

	return slots, nil
}

// Book binds the slot to a lead if it is still available.
func (s *SQLiteStore) Book(ctx context.Context, slotID, leadID string) (*engine.AppointmentSlot, error) {
	result, err := s.db.ExecContext(ctx,
		"UPDATE slots SET available = 0, lead_id = ? WHERE id = ? AND available = 1", leadID, slotID)
	if err != nil {
		return nil, fmt.Errorf("failed to book slot: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}

	slot, err := s.Get(ctx, slotID)
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, engine.NewConflictError("slot already booked", nil).
			WithCode(engine.ErrCodeSlotUnavailable).
			WithResource(slotID)
	}
	return slot, nil
}

// Cancel releases a booked slot.
func (s *SQLiteStore) Cancel(ctx context.Context, slotID string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		"UPDATE slots SET available = 1, lead_id = NULL WHERE id = ? AND available = 0", slotID)
	if err != nil {
		return false, fmt.Errorf("failed to cancel slot: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}

// Get returns a slot by ID.
func (s *SQLiteStore) Get(ctx context.Context, slotID string) (*engine.AppointmentSlot, error) {
	query := `
		SELECT id, date, start_time, end_time, start_at, end_at, available, lead_id
		FROM slots
		WHERE id = ?
	`

	slot, err := scanSlot(s.db.QueryRowContext(ctx, query, slotID))
	if err == sql.ErrNoRows {
		return nil, engine.NotFoundError("slot", slotID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get slot: %w", err)
	}
	return slot, nil
}

func scanSlot(row rowScanner) (*engine.AppointmentSlot, error) {
	var (
		slot    engine.AppointmentSlot
		startAt int64
		endAt   int64
		leadID  sql.NullString
	)
	if err := row.Scan(&slot.ID, &slot.Date, &slot.StartTime, &slot.EndTime, &startAt, &endAt, &slot.Available, &leadID); err != nil {
		return nil, err
	}
	slot.Start = fromNanos(startAt)
	slot.End = fromNanos(endAt)
	slot.LeadID = leadID.String
	return &slot, nil
}

func encodeJSON(v interface{}) (interface{}, error) {
	switch m := v.(type) {
	case map[string]string:
		if len(m) == 0 {
			return nil, nil
		}
	case map[string]interface{}:
		if len(m) == 0 {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
