package middleware

import "context"

type contextKey string

const (
	ContextKeyClientID    contextKey = "client_id"
	ContextKeyWorkspaceID contextKey = "workspace_id"
)

func ClientIDFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ContextKeyClientID).(string)
	return v, ok
}

func WorkspaceIDFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ContextKeyWorkspaceID).(string)
	return v, ok
}
