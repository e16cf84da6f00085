// File: cmd/cmd_test.go
package cmd

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/courier-cli/api/schemas"
	"github.com/xkilldash9x/courier-cli/internal/store"
)

// testEnv is a config file plus the local store it points at.
type testEnv struct {
	cfgPath   string
	statePath string
}

func newTestEnv(t *testing.T, extra string) testEnv {
	t.Helper()
	t.Setenv("COURIER_DATABASE_URL", "")
	t.Setenv("COURIER_DATABASE_PASSPHRASE", "")
	dir := t.TempDir()
	env := testEnv{
		cfgPath:   filepath.Join(dir, "config.yaml"),
		statePath: filepath.Join(dir, "state.json"),
	}
	content := fmt.Sprintf("logger:\n  level: error\n  log_file: \"\"\ndatabase:\n  local_path: %s\n%s", env.statePath, extra)
	require.NoError(t, os.WriteFile(env.cfgPath, []byte(content), 0o600))
	return env
}

func (e testEnv) execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	rootCmd := NewRootCommand()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetIn(strings.NewReader(""))
	rootCmd.SetArgs(append([]string{"--config", e.cfgPath}, args...))
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

// seed opens the same store file the commands use.
func (e testEnv) seed(t *testing.T) *store.Local {
	t.Helper()
	st, err := store.OpenLocal(e.statePath, os.Getenv("COURIER_DATABASE_PASSPHRASE"), zap.NewNop())
	require.NoError(t, err)
	return st
}

func TestRootCmd_VersionFlag(t *testing.T) {
	rootCmd := NewRootCommand()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"--version"})

	require.NoError(t, rootCmd.ExecuteContext(context.Background()))
	assert.Equal(t, Version+"\n", out.String())
}

func TestVersionCmd(t *testing.T) {
	env := newTestEnv(t, "")
	out, err := env.execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "courier-cli version "+Version)
}

func TestRootCmd_MissingConfigFile(t *testing.T) {
	rootCmd := NewRootCommand()
	rootCmd.SetOut(&bytes.Buffer{})
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs([]string{"--config", filepath.Join(t.TempDir(), "absent.yaml"), "version"})

	err := rootCmd.ExecuteContext(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error reading config file")
}

func TestSettingsCmd(t *testing.T) {
	env := newTestEnv(t, "")

	_, err := env.execute(t, "settings", "set", "min_delay", "4")
	require.NoError(t, err)

	out, err := env.execute(t, "settings", "get", "min_delay")
	require.NoError(t, err)
	assert.Equal(t, "4\n", out)

	out, err = env.execute(t, "settings", "get", "unknown")
	require.NoError(t, err)
	assert.Equal(t, "\n", out)

	_, err = env.execute(t, "settings", "set", "only-key")
	assert.Error(t, err)
}

func TestHistoryCmd(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "")

	out, err := env.execute(t, "history", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No attempts recorded.")

	st := env.seed(t)
	require.NoError(t, st.RecordAttempt(ctx, "https://example.com/ann", schemas.StatusSuccess))
	require.NoError(t, st.RecordAttempt(ctx, "https://example.com/bob", schemas.StatusFailed))

	out, err = env.execute(t, "history", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "TARGET")
	assert.Contains(t, out, "https://example.com/ann")
	assert.Contains(t, out, "https://example.com/bob")
	assert.Less(t, strings.Index(out, "/ann"), strings.Index(out, "/bob"), "history is listed oldest first")

	out, err = env.execute(t, "history", "list", "--status", "failed")
	require.NoError(t, err)
	assert.NotContains(t, out, "/ann")
	assert.Contains(t, out, "/bob")

	out, err = env.execute(t, "history", "clear")
	require.NoError(t, err)
	assert.Contains(t, out, "cleared")

	out, err = env.execute(t, "history", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No attempts recorded.")
}

func TestCookiesCmd(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "")

	st := env.seed(t)
	require.NoError(t, st.SetCookies(ctx, "example.com", []schemas.Cookie{{Name: "c_user", Value: "1"}}))
	require.NoError(t, st.SetCookies(ctx, "example.org", []schemas.Cookie{{Name: "sid", Value: "2"}}))

	out, err := env.execute(t, "cookies", "clear", "example.com")
	require.NoError(t, err)
	assert.Contains(t, out, "example.com")

	st = env.seed(t)
	gone, err := st.GetCookies(ctx, "example.com")
	require.NoError(t, err)
	assert.Nil(t, gone)
	kept, err := st.GetCookies(ctx, "example.org")
	require.NoError(t, err)
	assert.Len(t, kept, 1)

	out, err = env.execute(t, "cookies", "clear")
	require.NoError(t, err)
	assert.Contains(t, out, "all domains")

	st = env.seed(t)
	kept, err = st.GetCookies(ctx, "example.org")
	require.NoError(t, err)
	assert.Nil(t, kept)
}

func TestRunCmd_RequiresServiceURL(t *testing.T) {
	env := newTestEnv(t, "")
	_, err := env.execute(t, "run", "https://example.com/ann", "-m", "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session.service_url")
}

func TestRunCmd_RejectsUnusableInputBeforeLaunch(t *testing.T) {
	env := newTestEnv(t, "session:\n  service_url: https://www.example.com/\n")

	_, err := env.execute(t, "run", "-m", "hello")
	assert.ErrorIs(t, err, schemas.ErrConfiguration, "no targets")

	_, err = env.execute(t, "run", "https://example.com/ann")
	assert.ErrorIs(t, err, schemas.ErrConfiguration, "no message")

	_, err = env.execute(t, "run", "-m", "hi", "--targets-file", filepath.Join(t.TempDir(), "absent.csv"))
	assert.ErrorIs(t, err, schemas.ErrConfiguration, "unreadable targets file")

	_, err = env.execute(t, "run", "https://example.com/ann", "-m", "hi", "--min-delay", "soon")
	assert.Error(t, err)
}
