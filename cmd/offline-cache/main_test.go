package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, args ...string) *CLI {
	t.Helper()

	var cli CLI
	parser, err := kong.New(&cli, kong.Vars{"version": "test"})
	require.NoError(t, err)
	_, err = parser.Parse(args)
	require.NoError(t, err)
	return &cli
}

func TestCLI_Defaults(t *testing.T) {
	cli := parse(t, "--origin", "https://dashboard.example.com")

	require.Equal(t, ":8080", cli.Address)
	require.Equal(t, "kenpolimarket", cli.Prefix)
	require.Equal(t, "v1", cli.CacheVersion)
	require.Equal(t, "kenpolimarket-v1", cli.Namespace)
	require.Equal(t, "24h0m0s", cli.MaxAge.String())
	require.True(t, cli.Prometheus)
	require.Equal(t, "info", cli.LogLevel)
}

func TestCLI_OriginRequired(t *testing.T) {
	var cli CLI
	parser, err := kong.New(&cli, kong.Vars{"version": "test"})
	require.NoError(t, err)
	_, err = parser.Parse([]string{})
	require.Error(t, err)
}

func TestCLI_RepeatedAPIPattern(t *testing.T) {
	cli := parse(t,
		"--origin", "https://dashboard.example.com",
		"--api-pattern", "^/api/",
		"--api-pattern", "^/data/",
	)
	require.Equal(t, []string{"^/api/", "^/data/"}, cli.APIPattern)
}

func TestNewLogger_File(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "logs", "offline-cache.log")
	cli := parse(t,
		"--origin", "https://dashboard.example.com",
		"--log-file", logFile,
		"--log-level", "debug",
	)

	logger, closeLog, err := cli.newLogger()
	require.NoError(t, err)

	logger.Debug("hello", "key", "value")
	closeLog()

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	require.Contains(t, string(data), "hello")
	require.Contains(t, string(data), "key=value")
}

func TestNewLogger_JSON(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "offline-cache.log")
	cli := parse(t,
		"--origin", "https://dashboard.example.com",
		"--log-file", logFile,
		"--log-format", "json",
	)

	logger, closeLog, err := cli.newLogger()
	require.NoError(t, err)

	logger.Info("started")
	closeLog()

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	require.Contains(t, string(data), `"msg":"started"`)
}
