package redis_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	redisstore "github.com/gosuda/weft/internal/store/redis"
)

func TestInstanceChannel(t *testing.T) {
	t.Parallel()

	t.Run("happy path", func(t *testing.T) {
		t.Parallel()

		got := redisstore.InstanceChannel("inst-1")
		assert.Equal(t, "events:inst-1", got)
	})

	t.Run("prefix", func(t *testing.T) {
		t.Parallel()

		got := redisstore.InstanceChannel("inst-1")
		assert.True(t, strings.HasPrefix(got, "events:"), "expected prefix 'events:', got %q", got)
	})

	t.Run("deterministic", func(t *testing.T) {
		t.Parallel()

		a := redisstore.InstanceChannel("inst-1")
		b := redisstore.InstanceChannel("inst-1")
		assert.Equal(t, a, b)
	})

	t.Run("different inputs produce different outputs", func(t *testing.T) {
		t.Parallel()

		a := redisstore.InstanceChannel("inst-1")
		b := redisstore.InstanceChannel("inst-2")
		assert.NotEqual(t, a, b)
	})
}

func TestAllInstancesMatchesInstanceChannels(t *testing.T) {
	t.Parallel()

	pattern := redisstore.AllInstances()
	assert.Equal(t, "events:*", pattern)

	prefix := strings.TrimSuffix(pattern, "*")
	assert.True(t, strings.HasPrefix(redisstore.InstanceChannel("x"), prefix))
}

func TestControlChannel(t *testing.T) {
	t.Parallel()

	got := redisstore.ControlChannel("inst-1")
	assert.Equal(t, "control:inst-1", got)
	assert.NotEqual(t, got, redisstore.InstanceChannel("inst-1"), "control and event channels must not collide")
}
