package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gosuda/weft/internal/event"
)

//nolint:gochecknoglobals // sentinel error
var ErrRunStateNotFound = errors.New("postgres: run state not found")

// RunState is the persisted status of one instance, consulted by clients
// deciding whether to auto-resume after a reconnect or fresh load.
type RunState struct {
	InstanceID string
	Status     event.AgentStatus
	SessionID  string
	UpdatedAt  int64
}

type RunStateRepo struct {
	pool *pgxpool.Pool
}

func NewRunStateRepo(pool *pgxpool.Pool) *RunStateRepo {
	return &RunStateRepo{pool: pool}
}

// Save upserts the instance's run state.
func (r *RunStateRepo) Save(ctx context.Context, state RunState) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO run_states (instance_id, status, session_id, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (instance_id) DO UPDATE SET
			status = EXCLUDED.status,
			session_id = EXCLUDED.session_id,
			updated_at = EXCLUDED.updated_at`,
		state.InstanceID, string(state.Status), state.SessionID, state.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("runStateRepo.Save: %w", err)
	}

	return nil
}

// Load returns the persisted run state for an instance.
func (r *RunStateRepo) Load(ctx context.Context, instanceID string) (RunState, error) {
	var (
		state  RunState
		status string
	)

	err := r.pool.QueryRow(ctx,
		`SELECT instance_id, status, session_id, updated_at
		 FROM run_states WHERE instance_id = $1`,
		instanceID,
	).Scan(&state.InstanceID, &status, &state.SessionID, &state.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return RunState{}, ErrRunStateNotFound
	}
	if err != nil {
		return RunState{}, fmt.Errorf("runStateRepo.Load: %w", err)
	}

	state.Status = event.AgentStatus(status)
	return state, nil
}

// Latest returns the most recently updated run state, if any. Clients with
// no instance in hand use it to discover what to resume.
func (r *RunStateRepo) Latest(ctx context.Context) (RunState, error) {
	var (
		state  RunState
		status string
	)

	err := r.pool.QueryRow(ctx,
		`SELECT instance_id, status, session_id, updated_at
		 FROM run_states ORDER BY updated_at DESC LIMIT 1`,
	).Scan(&state.InstanceID, &status, &state.SessionID, &state.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return RunState{}, ErrRunStateNotFound
	}
	if err != nil {
		return RunState{}, fmt.Errorf("runStateRepo.Latest: %w", err)
	}

	state.Status = event.AgentStatus(status)
	return state, nil
}
