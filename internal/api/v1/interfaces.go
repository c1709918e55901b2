// Package v1 exposes the saved-run-state and adapter catalog endpoints.
package v1

import (
	"context"

	"github.com/gosuda/weft/internal/adapter"
	"github.com/gosuda/weft/internal/store/postgres"
)

// RunStateStore abstracts persisted run state for handler testing.
// *postgres.RunStateRepo satisfies this interface.
type RunStateStore interface {
	Load(ctx context.Context, instanceID string) (postgres.RunState, error)
	Latest(ctx context.Context) (postgres.RunState, error)
}

// HostControl forwards resume requests toward the adapter host.
type HostControl interface {
	RequestRestore(ctx context.Context, instanceID string) error
}

// AdapterCatalog abstracts the adapter registry for handler testing.
// *adapter.Registry satisfies this interface.
type AdapterCatalog interface {
	List() []adapter.Registration
}
