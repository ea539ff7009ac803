package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mutualist/internal/config"
	"mutualist/internal/logging"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "mutualist", cmd.Use)
	assert.Contains(t, cmd.Long, "follow back")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := []string{"init", "run", "daemon", "stats", "preview", "import-history"}

	for _, cmdName := range commands {
		t.Run(cmdName, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{cmdName})
			require.NoError(t, err, "Command %s should exist", cmdName)
			require.NotNil(t, subCmd)
			assert.Equal(t, cmdName, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, "./mutualist.yaml", configFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)
}

func TestRunCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	runCmd, _, err := cmd.Find([]string{"run"})
	require.NoError(t, err)
	dryRun := runCmd.Flags().Lookup("dry-run")
	require.NotNil(t, dryRun)
	assert.Equal(t, "false", dryRun.DefValue)
}

func TestInvalidFormatRejected(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"stats", "--format", "xml"})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

// execute runs the CLI with a config whose store lives under dir.
func execute(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()
	cfgPath := filepath.Join(dir, "mutualist.yaml")
	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		cfg := config.Default()
		cfg.Storage.Backend = "json"
		cfg.Storage.HistoryPath = filepath.Join(dir, "history.json")
		cfg.Log.Level = "error"
		require.NoError(t, config.Save(cfgPath, cfg))
	}
	var out bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(append([]string{"--config", cfgPath, "--env-file", filepath.Join(dir, "none.env")}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestInitWritesConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "mutualist.yaml")
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"init", "--config", path})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "Config written to:")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.Limits.MaxPerDay)

	cmd = NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"init", "--config", path})
	assert.Error(t, cmd.Execute(), "existing config is not overwritten without --force")
}

const legacyHistory = `{
  "total_unfollowed": 3,
  "daily_unfollows": {"2024-11-01": 1, "2024-11-02": 2},
  "last_check": "2024-11-02T21:15:03.120000",
  "unfollowed_users": [
    {"username": "one", "user_id": "1", "unfollowed_at": "2024-11-01T10:00:00"},
    {"username": "two", "user_id": "2", "unfollowed_at": "2024-11-02T10:00:00"},
    {"username": "three", "user_id": "3", "unfollowed_at": "2024-11-02T11:00:00"}
  ]
}`

func TestImportHistoryThenStats(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "old.json")
	require.NoError(t, os.WriteFile(src, []byte(legacyHistory), 0o644))

	out, err := execute(t, dir, "import-history", src)
	require.NoError(t, err)
	assert.Contains(t, out, "Imported 3 unfollows")

	out, err = execute(t, dir, "stats", "--format", "json")
	require.NoError(t, err)
	var v struct {
		Total    int `json:"total"`
		Excluded int `json:"excluded"`
		Recent   []struct {
			Handle string `json:"handle"`
		} `json:"recent"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &v))
	assert.Equal(t, 3, v.Total)
	assert.Equal(t, 3, v.Excluded)
	require.NotEmpty(t, v.Recent)
	assert.Equal(t, "three", v.Recent[0].Handle)

	_, err = execute(t, dir, "import-history", src)
	assert.Error(t, err, "non-empty store needs --replace")
	_, err = execute(t, dir, "import-history", "--replace", src)
	assert.NoError(t, err)
}

func TestStatsEmptyStore(t *testing.T) {
	out, err := execute(t, t.TempDir(), "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "Total unfollowed: 0")
	assert.Contains(t, out, "Last run:         never")
}

func TestRunRequiresAccount(t *testing.T) {
	t.Setenv("X_USERNAME", "")
	_, err := execute(t, t.TempDir(), "run", "--dry-run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no account configured")
}

func TestJSONOutputIsNotMixedWithLogs(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "mutualist.yaml")
	cfg := config.Default()
	cfg.Storage.Backend = "json"
	cfg.Storage.HistoryPath = filepath.Join(dir, "history.json")
	cfg.Log.Level = "debug"
	cfg.Log.Format = "json"
	require.NoError(t, config.Save(cfgPath, cfg))

	prevLogger := logging.L()
	defer logging.Set(prevLogger)
	stdout, err := os.Create(filepath.Join(dir, "stdout"))
	require.NoError(t, err)
	prevStdout := os.Stdout
	os.Stdout = stdout
	defer func() { os.Stdout = prevStdout }()

	cmd := NewRootCommand()
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--config", cfgPath, "--env-file", filepath.Join(dir, "none.env"), "stats", "--format", "json"})
	require.NoError(t, cmd.Execute())
	logging.Sync()
	require.NoError(t, stdout.Close())

	b, err := os.ReadFile(stdout.Name())
	require.NoError(t, err)
	dec := json.NewDecoder(bytes.NewReader(b))
	var v map[string]any
	require.NoError(t, dec.Decode(&v))
	assert.Contains(t, v, "total")
	assert.False(t, dec.More(), "stdout must hold only the JSON document: %s", b)
}
