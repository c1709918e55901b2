package redis

import (
	"context"
	"encoding/json"
	"fmt"
)

// ControlRestore asks the adapter host to relaunch a persisted run.
const ControlRestore = "restore"

// ControlFrame is the payload carried on control channels between the API
// and the adapter host.
type ControlFrame struct {
	Type       string `json:"type"`
	InstanceID string `json:"instance_id"`
}

// Control publishes control frames toward the adapter host. It backs the
// API's restore endpoint.
type Control struct {
	ps *PubSub
}

func NewControl(ps *PubSub) *Control {
	return &Control{ps: ps}
}

// RequestRestore publishes a restore frame on the instance's control channel.
func (c *Control) RequestRestore(ctx context.Context, instanceID string) error {
	payload, err := json.Marshal(ControlFrame{Type: ControlRestore, InstanceID: instanceID})
	if err != nil {
		return fmt.Errorf("redis.Control.RequestRestore: marshal: %w", err)
	}

	if err := c.ps.Publish(ctx, ControlChannel(instanceID), payload); err != nil {
		return fmt.Errorf("redis.Control.RequestRestore: %w", err)
	}

	return nil
}

// AllControlChannels returns the pattern the adapter host subscribes to.
func AllControlChannels() string {
	return "control:*"
}
