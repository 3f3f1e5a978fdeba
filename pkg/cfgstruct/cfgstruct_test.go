// Copyright (C) 2024 Tracdap, Inc.
// See LICENSE for copying information.

package cfgstruct

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

type testConfig struct {
	Address     string        `help:"address to listen on" default:":8080"`
	IdleTimeout time.Duration `help:"connection idle timeout" default:"90s"`
	PoolSize    int           `help:"worker pool size" default:"25"`

	DB struct {
		URL string `help:"database url" releaseDefault:"postgres://" devDefault:"sqlite://$CONFDIR/dev.db"`
	}

	Nested embeddedConfig
}

type embeddedConfig struct {
	Enabled bool `help:"turn the feature on" default:"true"`
}

type anonHost struct {
	embeddedConfig
	Name string `help:"host name" default:"localhost"`
}

func TestBindDefaults(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	var cfg testConfig
	Bind(flags, &cfg, UseReleaseDefaults(), ConfDir("/tmp/conf"))

	require.NoError(t, flags.Parse(nil))
	require.Equal(t, ":8080", cfg.Address)
	require.Equal(t, 90*time.Second, cfg.IdleTimeout)
	require.Equal(t, 25, cfg.PoolSize)
	require.Equal(t, "postgres://", cfg.DB.URL)
	require.True(t, cfg.Nested.Enabled)
}

func TestBindDevDefaultsAndConfDir(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	var cfg testConfig
	Bind(flags, &cfg, UseDevDefaults(), ConfDir("/tmp/conf"))

	require.NoError(t, flags.Parse(nil))
	require.Equal(t, "sqlite:///tmp/conf/dev.db", cfg.DB.URL)
}

func TestBindParsesIntoStruct(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	var cfg testConfig
	Bind(flags, &cfg, UseReleaseDefaults())

	require.NoError(t, flags.Parse([]string{
		"--address", ":9090",
		"--db.url", "mysql://db/meta",
		"--nested.enabled=false",
		"--idle-timeout", "2m",
	}))
	require.Equal(t, ":9090", cfg.Address)
	require.Equal(t, "mysql://db/meta", cfg.DB.URL)
	require.False(t, cfg.Nested.Enabled)
	require.Equal(t, 2*time.Minute, cfg.IdleTimeout)
}

func TestBindAnonymousFieldsAreTransparent(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	var cfg anonHost
	Bind(flags, &cfg, UseReleaseDefaults())

	require.NoError(t, flags.Parse([]string{"--enabled=false", "--name", "example"}))
	require.False(t, cfg.Enabled)
	require.Equal(t, "example", cfg.Name)
}

func TestHyphenate(t *testing.T) {
	require.Equal(t, "pool-size", hyphenate("PoolSize"))
	require.Equal(t, "url", hyphenate("URL"))
	require.Equal(t, "http-address", hyphenate("HTTPAddress"))
	require.Equal(t, "db", hyphenate("DB"))
	require.Equal(t, "batch-persist", hyphenate("BatchPersist"))
}
