package v1

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/gosuda/weft/internal/event"
	"github.com/gosuda/weft/internal/store/postgres"
)

// SavedStateBody mirrors the persisted run state on the wire.
type SavedStateBody struct {
	InstanceID string            `json:"instance_id" doc:"Instance the run belongs to"`
	Status     event.AgentStatus `json:"status" doc:"Persisted agent status"`
	SessionID  string            `json:"session_id,omitempty" doc:"Logical session id, if established"`
	UpdatedAt  int64             `json:"updated_at" doc:"Last update, unix millis"`
}

type GetLatestStateOutput struct {
	Body SavedStateBody
}

type GetInstanceStateInput struct {
	InstanceID string `path:"instanceID" doc:"Instance ID"`
}

type GetInstanceStateOutput struct {
	Body SavedStateBody
}

type RestoreInput struct {
	InstanceID string `path:"instanceID" doc:"Instance ID to resume"`
}

type RestoreOutput struct {
	Body struct {
		InstanceID string `json:"instance_id"`
		Requested  bool   `json:"requested"`
	}
}

func stateBody(state postgres.RunState) SavedStateBody {
	return SavedStateBody{
		InstanceID: state.InstanceID,
		Status:     state.Status,
		SessionID:  state.SessionID,
		UpdatedAt:  state.UpdatedAt,
	}
}

func RegisterSessionRoutes(api huma.API, runs RunStateStore, control HostControl) {
	huma.Register(api, huma.Operation{
		OperationID: "get-latest-session-state",
		Method:      http.MethodGet,
		Path:        "/sessions/state",
		Summary:     "Get the most recently persisted run state",
		Tags:        []string{"Sessions"},
	}, func(ctx context.Context, _ *struct{}) (*GetLatestStateOutput, error) {
		state, err := runs.Latest(ctx)
		if err != nil {
			if errors.Is(err, postgres.ErrRunStateNotFound) {
				return nil, huma.Error404NotFound("no persisted run state")
			}
			return nil, huma.Error500InternalServerError("failed to load run state", err)
		}

		return &GetLatestStateOutput{Body: stateBody(state)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-session-state",
		Method:      http.MethodGet,
		Path:        "/sessions/{instanceID}/state",
		Summary:     "Get the persisted run state for one instance",
		Tags:        []string{"Sessions"},
	}, func(ctx context.Context, input *GetInstanceStateInput) (*GetInstanceStateOutput, error) {
		state, err := runs.Load(ctx, input.InstanceID)
		if err != nil {
			if errors.Is(err, postgres.ErrRunStateNotFound) {
				return nil, huma.Error404NotFound("no persisted run state for instance")
			}
			return nil, huma.Error500InternalServerError("failed to load run state", err)
		}

		return &GetInstanceStateOutput{Body: stateBody(state)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "restore-session",
		Method:      http.MethodPost,
		Path:        "/sessions/{instanceID}/restore",
		Summary:     "Ask the adapter host to resume a persisted run",
		Tags:        []string{"Sessions"},
	}, func(ctx context.Context, input *RestoreInput) (*RestoreOutput, error) {
		state, err := runs.Load(ctx, input.InstanceID)
		if err != nil {
			if errors.Is(err, postgres.ErrRunStateNotFound) {
				return nil, huma.Error404NotFound("no persisted run state for instance")
			}
			return nil, huma.Error500InternalServerError("failed to load run state", err)
		}

		// Only live runs are resumable; a stopped run has nothing to restore.
		if state.Status != event.StatusRunning && state.Status != event.StatusPaused {
			return nil, huma.Error409Conflict("run is not resumable in status " + string(state.Status))
		}

		if err := control.RequestRestore(ctx, input.InstanceID); err != nil {
			return nil, huma.Error500InternalServerError("failed to request restore", err)
		}

		out := &RestoreOutput{}
		out.Body.InstanceID = input.InstanceID
		out.Body.Requested = true
		return out, nil
	})
}
