package daemon

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/cvewatch/cvewatch/internal/feed/poller"
	"github.com/cvewatch/cvewatch/internal/feed/release"
	"github.com/cvewatch/cvewatch/internal/ingest/relay"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

type (
	AppConfig  = appConfig
	FeedConfig = feedConfig
	NATSConfig = natsConfig
)

// Config returns the configuration of the app.
func (a *App) Config() AppConfig {
	return a.config
}

// NewForTests creates a new App instance reading the given configuration.
func NewForTests(t *testing.T, conf *AppConfig, args ...string) *App {
	t.Helper()

	p := GenerateTestConfig(t, conf)
	argsWithConf := append([]string{"--config", p}, args...)

	a, err := New()
	require.NoError(t, err, "Setup: failed to create app")
	a.cmd.SetArgs(argsWithConf)
	return a
}

// GenerateTestConfig generates a temporary config file for testing.
func GenerateTestConfig(t *testing.T, origConf *AppConfig) string {
	t.Helper()

	var conf appConfig
	if origConf != nil {
		conf = *origConf
	}

	if conf.Verbosity == 0 {
		conf.Verbosity = 2
	}
	if conf.Feed.Owner == "" {
		conf.Feed.Owner = release.DefaultOwner
	}
	if conf.Feed.Repo == "" {
		conf.Feed.Repo = release.DefaultRepo
	}
	if conf.Feed.Interval == 0 {
		conf.Feed.Interval = poller.DefaultInterval
	}
	if conf.Feed.BufferSize == 0 {
		conf.Feed.BufferSize = 16
	}
	if conf.NATS.Subject == "" {
		conf.NATS.Subject = relay.DefaultSubject
	}

	d, err := yaml.Marshal(conf)
	require.NoError(t, err, "Setup: failed to marshal config for tests")

	confPath := filepath.Join(t.TempDir(), "testconfig.yaml")
	require.NoError(t, os.WriteFile(confPath, d, 0600), "Setup: failed to write config for tests")

	return confPath
}

// SetArgs set some arguments on root command for tests.
func (a *App) SetArgs(args ...string) {
	a.cmd.SetArgs(args)
}

// SetOutput redirects the output of the commands.
func (a *App) SetOutput(w io.Writer) {
	a.cmd.SetOut(w)
	a.cmd.SetErr(w)
}
