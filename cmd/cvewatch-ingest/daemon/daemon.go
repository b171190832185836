// Package daemon provides the cvewatch ingest service daemon.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/cvewatch/cvewatch/internal/broadcast"
	"github.com/cvewatch/cvewatch/internal/common/cli"
	"github.com/cvewatch/cvewatch/internal/common/constants"
	"github.com/cvewatch/cvewatch/internal/common/metrics"
	"github.com/cvewatch/cvewatch/internal/feed/decoder"
	"github.com/cvewatch/cvewatch/internal/feed/poller"
	"github.com/cvewatch/cvewatch/internal/feed/release"
	"github.com/cvewatch/cvewatch/internal/ingest"
	"github.com/cvewatch/cvewatch/internal/ingest/database"
	"github.com/cvewatch/cvewatch/internal/ingest/relay"
	"github.com/cvewatch/cvewatch/internal/ingest/sink"
	"github.com/cvewatch/cvewatch/internal/ingest/workers"
	"github.com/cvewatch/cvewatch/internal/vulnerabilities"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// App represents the application.
type App struct {
	cmd    *cobra.Command
	viper  *viper.Viper
	config appConfig

	daemon *ingest.Service

	ready chan struct{}
}

// appConfig holds the configuration for the application.
type appConfig struct {
	Verbosity int
	JSONLogs  bool

	Feed          feedConfig
	MetricsConfig metrics.Config
	DBconfig      database.Config
	NATS          natsConfig

	MigrationsDir string
}

// feedConfig selects the releases to poll and how they are processed.
type feedConfig struct {
	Owner   string
	Repo    string
	Token   string
	BaseURL string

	Mode         string
	Interval     time.Duration
	Offset       time.Duration
	FetchTimeout time.Duration

	ChunkSize  int
	Workers    int
	BufferSize int
}

type natsConfig struct {
	URL     string
	Subject string
}

// New creates a new App instance with default values.
func New() (*App, error) {
	a := App{ready: make(chan struct{})}

	a.cmd = &cobra.Command{
		Use:           constants.IngestServiceCmdName,
		Short:         "CVE feed ingest service",
		Long:          "cvewatch ingest service polls the CVE list releases, stores the published vulnerabilities in a PostgreSQL database and optionally relays them to NATS.",
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Command parsing has been successful. Returns to not print usage anymore.
			a.cmd.SilenceUsage = true
			cli.SetSlog(a.config.Verbosity, a.config.JSONLogs) // Set verbosity before loading config
			if err := cli.InitViperConfig(constants.IngestServiceCmdName, a.cmd, a.viper); err != nil {
				return err
			}
			if err := a.viper.Unmarshal(&a.config); err != nil {
				return fmt.Errorf("unable to strictly decode configuration into struct: %w", err)
			}
			slog.Debug("Got app config", "feed", a.config.Feed.Owner+"/"+a.config.Feed.Repo, "mode", a.config.Feed.Mode,
				"interval", a.config.Feed.Interval, "db", a.config.DBconfig.Host, "nats", a.config.NATS.URL)

			cli.SetSlog(a.config.Verbosity, a.config.JSONLogs) // Update logging after loading config if necessary
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			a.cmd.SilenceUsage = true

			return a.run()
		},
	}
	a.viper = viper.New()
	a.cmd.CompletionOptions.HiddenDefaultCmd = true

	installRootCmd(&a)
	installMigrateCmd(&a)
	cli.InstallConfigFlag(a.cmd)

	if err := bindFlags(a.cmd, a.viper); err != nil {
		return nil, err
	}

	a.installVersion()

	return &a, nil
}

func installRootCmd(app *App) {
	cmd := app.cmd

	cmd.PersistentFlags().CountVarP(&app.config.Verbosity, "verbose", "v", "issue INFO (-v), DEBUG (-vv)")
	cmd.PersistentFlags().BoolVar(&app.config.JSONLogs, "json-logs", false, "enable JSON formatted logs")

	// Feed flags
	cmd.Flags().StringVar(&app.config.Feed.Owner, "feed-owner", release.DefaultOwner, "owner of the repository publishing the CVE list")
	cmd.Flags().StringVar(&app.config.Feed.Repo, "feed-repo", release.DefaultRepo, "repository publishing the CVE list")
	cmd.Flags().StringVar(&app.config.Feed.Token, "feed-token", "", "GitHub token used to read the releases")
	cmd.Flags().StringVar(&app.config.Feed.BaseURL, "feed-api-url", "", "GitHub API endpoint, defaults to the public API")
	cmd.Flags().StringVar(&app.config.Feed.Mode, "feed-mode", poller.ModeFull.String(), "release asset to ingest: full or delta")
	cmd.Flags().DurationVar(&app.config.Feed.Interval, "poll-interval", poller.DefaultInterval, "alignment of poll cycles")
	cmd.Flags().DurationVar(&app.config.Feed.Offset, "poll-offset", poller.DefaultOffset, "delay after each aligned poll time")
	cmd.Flags().DurationVar(&app.config.Feed.FetchTimeout, "fetch-timeout", release.DefaultTimeout, "maximum duration of a GitHub request or asset download, 0 to disable")
	cmd.Flags().IntVar(&app.config.Feed.ChunkSize, "chunk-size", decoder.DefaultChunkSize, "number of records decoded per task")
	cmd.Flags().IntVar(&app.config.Feed.Workers, "decode-workers", runtime.NumCPU(), "maximum number of concurrent decode tasks")
	cmd.Flags().IntVar(&app.config.Feed.BufferSize, "buffer-size", constants.DefaultFeedBufferSize, "number of vulnerabilities retained for slow consumers")

	// Metrics server flags
	cmd.Flags().DurationVar(&app.config.MetricsConfig.ReadTimeout, "read-timeout", 5*time.Second, "read timeout for the metrics HTTP server")
	cmd.Flags().DurationVar(&app.config.MetricsConfig.WriteTimeout, "write-timeout", 10*time.Second, "write timeout for the metrics HTTP server")
	cmd.Flags().StringVar(&app.config.MetricsConfig.Host, "metrics-host", "", "host for the metrics endpoint")
	cmd.Flags().IntVar(&app.config.MetricsConfig.Port, "metrics-port", 2113, "port for the metrics endpoint")

	// NATS flags
	cmd.Flags().StringVar(&app.config.NATS.URL, "nats-url", "", "NATS server to relay vulnerabilities to, disabled when empty")
	cmd.Flags().StringVar(&app.config.NATS.Subject, "nats-subject", relay.DefaultSubject, "NATS subject vulnerabilities are published on")

	addDBFlags(cmd, &app.config.DBconfig)
}

func addDBFlags(cmd *cobra.Command, config *database.Config) {
	cmd.PersistentFlags().StringVar(&config.Host, "db-host", "", "database host")
	cmd.PersistentFlags().IntVarP(&config.Port, "db-port", "p", 5432, "database port")
	cmd.PersistentFlags().StringVarP(&config.User, "db-user", "u", "", "database user")
	cmd.PersistentFlags().StringVarP(&config.Password, "db-password", "P", "", "database password")
	cmd.PersistentFlags().StringVarP(&config.DBName, "db-name", "n", "", "database name")
	cmd.PersistentFlags().StringVarP(&config.SSLMode, "db-sslmode", "s", "", "database SSL mode")
}

// configKeys maps flags to their configuration key, so that flags explicitly set take precedence
// over the environment and the configuration file.
var configKeys = map[string]string{
	"verbose":   "verbosity",
	"json-logs": "jsonlogs",

	"feed-owner":     "feed.owner",
	"feed-repo":      "feed.repo",
	"feed-token":     "feed.token",
	"feed-api-url":   "feed.baseurl",
	"feed-mode":      "feed.mode",
	"poll-interval":  "feed.interval",
	"poll-offset":    "feed.offset",
	"fetch-timeout":  "feed.fetchtimeout",
	"chunk-size":     "feed.chunksize",
	"decode-workers": "feed.workers",
	"buffer-size":    "feed.buffersize",

	"read-timeout":  "metricsconfig.readtimeout",
	"write-timeout": "metricsconfig.writetimeout",
	"metrics-host":  "metricsconfig.host",
	"metrics-port":  "metricsconfig.port",

	"nats-url":     "nats.url",
	"nats-subject": "nats.subject",

	"db-host":     "dbconfig.host",
	"db-port":     "dbconfig.port",
	"db-user":     "dbconfig.user",
	"db-password": "dbconfig.password",
	"db-name":     "dbconfig.dbname",
	"db-sslmode":  "dbconfig.sslmode",
}

func bindFlags(cmd *cobra.Command, vip *viper.Viper) error {
	for name, key := range configKeys {
		f := cmd.Flags().Lookup(name)
		if f == nil {
			f = cmd.PersistentFlags().Lookup(name)
		}
		if f == nil {
			return fmt.Errorf("flag %q is not defined", name)
		}
		if err := vip.BindPFlag(key, f); err != nil {
			return fmt.Errorf("could not bind flag %q: %v", name, err)
		}
	}
	return nil
}

// Run executes the command and associated process, returning an error if any.
func (a App) Run() error {
	return a.cmd.Execute()
}

// UsageError returns if the error is a command parsing or runtime one.
func (a App) UsageError() bool {
	return !a.cmd.SilenceUsage
}

// Hup prints all goroutine stack traces and return false to signal you shouldn't quit.
func (a App) Hup() (shouldQuit bool) {
	buf := make([]byte, 1<<16)
	runtime.Stack(buf, true)
	fmt.Printf("%s", buf)
	return false
}

// Quit gracefully shuts down the daemon.
func (a *App) Quit() {
	a.WaitReady()
	if a.daemon != nil {
		a.daemon.Quit(false)
	}
}

// WaitReady waits for the daemon to be ready.
func (a *App) WaitReady() {
	<-a.ready
}

// RootCmd returns the root command.
func (a App) RootCmd() cobra.Command {
	return *a.cmd
}

func (a *App) run() (err error) {
	// Do not leave Quit waiting if the daemon could not be created.
	defer func() {
		select {
		case <-a.ready:
		default:
			close(a.ready)
		}
	}()

	cfg := a.config.Feed

	mode, err := poller.ParseMode(cfg.Mode)
	if err != nil {
		return err
	}

	if cfg.FetchTimeout < 0 {
		return fmt.Errorf("fetch timeout must not be negative, got %v", cfg.FetchTimeout)
	}
	fetchOpts := []release.Options{
		release.WithRepository(cfg.Owner, cfg.Repo),
		release.WithToken(cfg.Token),
		release.WithTimeout(cfg.FetchTimeout),
	}
	if cfg.BaseURL != "" {
		fetchOpts = append(fetchOpts, release.WithBaseURL(cfg.BaseURL))
	}
	fetcher, err := release.New(fetchOpts...)
	if err != nil {
		return fmt.Errorf("failed to create release fetcher: %v", err)
	}

	if cfg.BufferSize <= 0 {
		return fmt.Errorf("buffer size must be positive, got %d", cfg.BufferSize)
	}
	feed := broadcast.New[vulnerabilities.NewVulnerability](cfg.BufferSize)

	registry := prometheus.NewRegistry()
	p, err := poller.New(fetcher, decoder.New(decoder.WithChunkSize(cfg.ChunkSize), decoder.WithWorkers(cfg.Workers)), feed, registry,
		poller.WithInterval(cfg.Interval), poller.WithOffset(cfg.Offset), poller.WithMode(mode))
	if err != nil {
		return fmt.Errorf("failed to create poller: %v", err)
	}

	db, err := database.Connect(context.Background(), a.config.DBconfig)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %v", err)
	}
	defer func() {
		if cErr := db.Close(); cErr != nil {
			slog.Warn("Failed to close database", "err", cErr)
		}
	}()

	store, err := sink.New(db, registry)
	if err != nil {
		return fmt.Errorf("failed to create store sink: %v", err)
	}
	consumers := []workers.Consumer{store}

	if a.config.NATS.URL != "" {
		nc, err := relay.Connect(a.config.NATS.URL)
		if err != nil {
			return err
		}
		defer func() {
			if err := relay.Drain(nc, 10*time.Second); err != nil {
				slog.Warn("Failed to flush NATS relay", "err", err)
			}
		}()

		r, err := relay.New(nc, registry, relay.WithSubject(a.config.NATS.Subject))
		if err != nil {
			return fmt.Errorf("failed to create NATS relay: %v", err)
		}
		consumers = append(consumers, r)
	}

	workerPool, err := workers.New(feed, consumers, registry)
	if err != nil {
		return fmt.Errorf("failed to create worker pool: %v", err)
	}

	metricsServer := metrics.New(a.config.MetricsConfig, registry, metrics.WithHealth(p))

	a.daemon = ingest.New(context.Background(), p, feed, workerPool, metricsServer)
	close(a.ready)

	return a.daemon.Run()
}
