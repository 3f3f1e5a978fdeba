// Copyright (C) 2024 Tracdap, Inc.
// See LICENSE for copying information.

package process

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
	yaml "gopkg.in/yaml.v3"

	"tracdap.io/tracdap/pkg/tracerr"
)

func testCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().String("config-dir", "", "")
	cmd.Flags().String("server.address", "127.0.0.1:8080", "")
	cmd.Flags().String("database.url", "sqlite3://metadata.db", "")
	cmd.Flags().String("routes.custom", "", "")
	cmd.Flags().Int("cache.limit", 100, "")
	return cmd
}

func TestLoadConfigFileOverlay(t *testing.T) {
	dir := t.TempDir()
	data := []byte("server:\n  address: 0.0.0.0:9090\ncache:\n  limit: 25\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, DefaultConfFilename), data, 0600))

	cmd := testCommand()
	require.NoError(t, cmd.Flags().Set("config-dir", dir))

	require.NoError(t, loadConfig(cmd))

	require.Equal(t, "0.0.0.0:9090", flagValue(cmd, "server.address"))
	require.Equal(t, "25", flagValue(cmd, "cache.limit"))
	require.Equal(t, "sqlite3://metadata.db", flagValue(cmd, "database.url"))
}

func TestLoadConfigEnvOverlay(t *testing.T) {
	t.Setenv("TRAC_DATABASE_URL", "postgres://meta:5432/trac")

	cmd := testCommand()
	require.NoError(t, loadConfig(cmd))

	require.Equal(t, "postgres://meta:5432/trac", flagValue(cmd, "database.url"))
}

func TestLoadConfigExplicitFlagWins(t *testing.T) {
	dir := t.TempDir()
	data := []byte("server:\n  address: 0.0.0.0:9090\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, DefaultConfFilename), data, 0600))

	cmd := testCommand()
	require.NoError(t, cmd.Flags().Set("config-dir", dir))
	require.NoError(t, cmd.Flags().Set("server.address", "10.0.0.1:7777"))

	require.NoError(t, loadConfig(cmd))

	require.Equal(t, "10.0.0.1:7777", flagValue(cmd, "server.address"))
}

func TestLoadConfigJoinsLists(t *testing.T) {
	dir := t.TempDir()
	data := []byte("routes:\n  custom:\n    - docs:/docs/:127.0.0.1:9001\n    - site:/site/:127.0.0.1:9002\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, DefaultConfFilename), data, 0600))

	cmd := testCommand()
	require.NoError(t, cmd.Flags().Set("config-dir", dir))

	require.NoError(t, loadConfig(cmd))

	require.Equal(t,
		"docs:/docs/:127.0.0.1:9001,site:/site/:127.0.0.1:9002",
		flagValue(cmd, "routes.custom"))
}

func TestLoadConfigRejectsBadValue(t *testing.T) {
	dir := t.TempDir()
	data := []byte("cache:\n  limit: lots\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, DefaultConfFilename), data, 0600))

	cmd := testCommand()
	require.NoError(t, cmd.Flags().Set("config-dir", dir))

	err := loadConfig(cmd)
	require.Error(t, err)
	require.True(t, tracerr.IsKind(err, tracerr.Startup))
}

func TestSaveConfigRecordsDecisionsOnly(t *testing.T) {
	cmd := testCommand()
	cmd.Flags().String("identity.path", "", "")
	cmd.Flags().Lookup("identity.path").Hidden = true
	require.NoError(t, cmd.Flags().SetAnnotation("config-dir", "setup", []string{"true"}))

	require.NoError(t, cmd.Flags().Set("server.address", "0.0.0.0:9090"))

	outfile := filepath.Join(t.TempDir(), DefaultConfFilename)
	overrides := map[string]interface{}{"database.url": "postgres://meta:5432/trac"}
	require.NoError(t, SaveConfig(cmd, outfile, overrides))

	data, err := os.ReadFile(outfile)
	require.NoError(t, err)

	var settings map[string]interface{}
	require.NoError(t, yaml.Unmarshal(data, &settings))

	server, ok := settings["server"].(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, "0.0.0.0:9090", server["address"])

	database, ok := settings["database"].(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, "postgres://meta:5432/trac", database["url"])

	// unchanged defaults, hidden flags and setup-only flags stay out
	require.NotContains(t, settings, "cache")
	require.NotContains(t, settings, "routes")
	require.NotContains(t, settings, "identity")
	require.NotContains(t, settings, "config-dir")
}

func TestSaveConfigEmptySettings(t *testing.T) {
	cmd := testCommand()

	outfile := filepath.Join(t.TempDir(), DefaultConfFilename)
	require.NoError(t, SaveConfig(cmd, outfile, nil))

	data, err := os.ReadFile(outfile)
	require.NoError(t, err)
	require.Empty(t, data)
}
