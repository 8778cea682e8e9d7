package env

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetEnvPrefersLoadedFile(t *testing.T) {
	t.Setenv("BILLING_FREE_TASK_LIMIT", "9")
	Env = map[string]string{"BILLING_FREE_TASK_LIMIT": "3"}
	t.Cleanup(func() { Env = nil })

	assert.Equal(t, "3", GetEnv("BILLING_FREE_TASK_LIMIT", "5"))
	assert.Equal(t, 3, GetEnvInt("BILLING_FREE_TASK_LIMIT", 5))
}

func TestGetEnvIntFallbacks(t *testing.T) {
	Env = nil
	t.Setenv("ENGINE_TIMEOUT_SECONDS", "soon")

	assert.Equal(t, 30, GetEnvInt("ENGINE_TIMEOUT_SECONDS", 30))
	assert.Equal(t, 15, GetEnvInt("STRIPE_TIMEOUT_SECONDS_UNSET", 15))
	assert.Equal(t, "fallback", GetEnv("UNSET_KEY_FOR_TEST", "fallback"))
}

func TestIsDev(t *testing.T) {
	Env = map[string]string{"APP_ENV": "dev"}
	t.Cleanup(func() { Env = nil })
	assert.True(t, IsDev())
}
