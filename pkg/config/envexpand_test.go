package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExpandEnvSubstitutesVariables(t *testing.T) {
	t.Setenv("ELEANOR_TEST_HOST", "redis.internal")
	t.Setenv("ELEANOR_TEST_PORT", "6380")

	out := ExpandEnv([]byte("addr: {{.ELEANOR_TEST_HOST}}:{{.ELEANOR_TEST_PORT}}"))
	assert.Equal(t, "addr: redis.internal:6380", string(out))
}

func TestExpandEnvMissingVariableIsEmpty(t *testing.T) {
	out := ExpandEnv([]byte("password: {{.ELEANOR_TEST_DOES_NOT_EXIST}}"))
	assert.Equal(t, "password: ", string(out))
}

func TestExpandEnvPreservesDollarSigns(t *testing.T) {
	// Detection queries and filter globs carry literal $ characters.
	in := []byte(`query: "process_name:\\$recycle\\.bin.*"`)
	assert.Equal(t, in, ExpandEnv(in))
}

func TestExpandEnvMalformedTemplatePassesThrough(t *testing.T) {
	in := []byte("pattern: {{.unclosed")
	assert.Equal(t, in, ExpandEnv(in))
}
