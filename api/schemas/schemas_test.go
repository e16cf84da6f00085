package schemas_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/courier-cli/api/schemas"
)

func TestCredentialValid(t *testing.T) {
	assert.True(t, schemas.Credential{Identifier: "a", Secret: "b"}.Valid())
	assert.False(t, schemas.Credential{Identifier: "a"}.Valid())
	assert.False(t, schemas.Credential{Secret: "b"}.Valid())
}

func TestCredential_SecretIsNeverSerialized(t *testing.T) {
	raw, err := json.Marshal(schemas.Credential{Identifier: "operator", Secret: "hunter2"})
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "hunter2")
}

func TestRunStatistics(t *testing.T) {
	var empty schemas.RunStatistics
	assert.Zero(t, empty.Progress(), "an empty run reports no progress instead of dividing by zero")

	s := schemas.RunStatistics{Total: 4, Successful: 1, Failed: 1, Skipped: 1}
	assert.Equal(t, 3, s.Processed())
	assert.InDelta(t, 0.75, s.Progress(), 1e-9)
	assert.Equal(t, "total=4 success=1 failed=1 skipped=1", s.String())
}

func TestChallengeTimeoutIsAnAuthenticationFailure(t *testing.T) {
	assert.True(t, errors.Is(schemas.ErrSecurityChallengeTimeout, schemas.ErrAuthenticationFailed))
	assert.False(t, errors.Is(schemas.ErrAuthenticationFailed, schemas.ErrSecurityChallengeTimeout))
}

func TestNopObserver(t *testing.T) {
	var o schemas.Observer = schemas.NopObserver{}
	assert.NotPanics(t, func() {
		o.OnLog("x")
		o.OnStatsUpdate(schemas.RunStatistics{Total: 1})
		o.OnCaptchaPending(true)
	})
}
