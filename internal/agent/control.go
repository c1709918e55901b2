package agent

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	redisstore "github.com/gosuda/weft/internal/store/redis"
)

// ControlSubscriber delivers raw control frames from the API side.
// *redis.PubSub satisfies this interface.
type ControlSubscriber interface {
	SubscribePattern(ctx context.Context, pattern string) (<-chan []byte, func(), error)
}

// ListenControl consumes control frames until ctx is cancelled, dispatching
// restore requests to the host. It blocks; run it on its own goroutine.
func (h *Host) ListenControl(ctx context.Context, sub ControlSubscriber) error {
	frames, cleanup, err := sub.SubscribePattern(ctx, redisstore.AllControlChannels())
	if err != nil {
		return err
	}
	defer cleanup()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-h.done:
			return nil
		case payload, ok := <-frames:
			if !ok {
				return nil
			}
			h.handleControl(ctx, payload)
		}
	}
}

func (h *Host) handleControl(ctx context.Context, payload []byte) {
	var frame redisstore.ControlFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		log.Warn().Err(err).Msg("agent: dropping malformed control frame")
		return
	}

	switch frame.Type {
	case redisstore.ControlRestore:
		if frame.InstanceID == "" {
			log.Warn().Msg("agent: restore frame without instance id")
			return
		}
		if err := h.Restore(ctx, frame.InstanceID); err != nil {
			log.Error().Err(err).Str("instance_id", frame.InstanceID).Msg("agent: restore request failed")
		}
	default:
		log.Debug().Str("type", frame.Type).Msg("agent: ignoring unknown control frame")
	}
}
