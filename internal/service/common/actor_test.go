//nolint:revive,nolintlint // Package name "common" is intentional for shared helpers.
package common

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestDetectActor ensures hostname and username are detected and non-empty.
func TestDetectActor(t *testing.T) {
	t.Parallel()

	a, err := DetectActor()
	require.NoError(t, err)
	require.NotNil(t, a)
	require.NotEmpty(t, a.Hostname)
	require.NotEmpty(t, a.Username)
}

// TestUsername_EnvFallback verifies a username is still found with only LOGNAME set.
func TestUsername_EnvFallback(t *testing.T) {
	for _, key := range usernameEnvKeys {
		t.Setenv(key, "")
	}

	t.Setenv("LOGNAME", "builder")

	name, err := username()
	require.NoError(t, err)
	require.NotEmpty(t, name)
}
