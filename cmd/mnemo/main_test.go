package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/hession/mnemo/internal/config"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	cmd := newRootCmd(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "mnemo v"+version+"\n", out)
}

func TestConfigCommand(t *testing.T) {
	t.Setenv(config.EnvAPIKey, "sk-abcdefghijklmnop")
	dir := t.TempDir()

	out, err := run(t, "--config-dir", dir, "config")
	require.NoError(t, err)
	assert.Contains(t, out, "sk-abcde...")
	assert.NotContains(t, out, "sk-abcdefghijklmnop")
	assert.Contains(t, out, config.Path(dir))
	assert.FileExists(t, config.Path(dir))
}

func TestMemoryCommands_EmptyStore(t *testing.T) {
	dir := t.TempDir()

	out, err := run(t, "--config-dir", dir, "memory", "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "Total memories: 0")
	assert.FileExists(t, filepath.Join(dir, "memory.db"))

	out, err = run(t, "--config-dir", dir, "memory", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No memories stored")

	out, err = run(t, "--config-dir", dir, "memory", "forget", "--conversation", "42")
	require.NoError(t, err)
	assert.Contains(t, out, "Forgot 0 memories")
}

func TestMemoryCommands_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := run(t, "--config-dir", dir, "memory", "forget", "no-such-id")
	assert.Error(t, err)

	_, err = run(t, "--config-dir", dir, "memory", "forget", "--conversation", "abc")
	assert.ErrorContains(t, err, "invalid conversation id")

	_, err = run(t, "--config-dir", dir, "memory", "clear")
	assert.ErrorContains(t, err, "--yes")

	out, err := run(t, "--config-dir", dir, "memory", "clear", "--yes")
	require.NoError(t, err)
	assert.Contains(t, out, "cleared")

	_, err = run(t, "--config-dir", dir, "memory", "search")
	assert.Error(t, err)
}

func TestConfigCommand_InvalidConfig(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultConfig(dir)
	cfg.Stream.Transport = "smoke-signals"
	require.NoError(t, config.Save(cfg))

	_, err := run(t, "--config-dir", dir, "config")
	assert.ErrorContains(t, err, "stream.transport")
}

func TestLogConfigInfo_OmitsKeys(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	cfg := config.DefaultConfig(t.TempDir())
	cfg.Model.APIKey = "sk-secret"

	logConfigInfo(zap.New(core), cfg)

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, true, fields["api_key_configured"])
	for _, v := range fields {
		assert.NotEqual(t, "sk-secret", v)
	}
}

func TestRootCmd_ResumeFlag(t *testing.T) {
	cmd := newRootCmd(&bytes.Buffer{})

	flag := cmd.Flags().Lookup("resume")
	require.NotNil(t, flag)
	assert.Equal(t, "r", flag.Shorthand)
	assert.Equal(t, "false", flag.DefValue)
}
