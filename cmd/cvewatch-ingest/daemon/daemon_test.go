package daemon_test

import (
	"archive/zip"
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/cvewatch/cvewatch/cmd/cvewatch-ingest/daemon"
	"github.com/cvewatch/cvewatch/internal/common/constants"
	"github.com/cvewatch/cvewatch/internal/common/metrics"
	"github.com/cvewatch/cvewatch/internal/common/testutils"
	"github.com/cvewatch/cvewatch/internal/feed/release"
	"github.com/cvewatch/cvewatch/internal/ingest/database"
	"github.com/stretchr/testify/require"
)

func TestVersion(t *testing.T) {
	t.Parallel()

	a := daemon.NewForTests(t, nil, "version")
	var out bytes.Buffer
	a.SetOutput(&out)

	err := a.Run()
	require.NoError(t, err, "Run should not return an error")
	require.Equal(t, fmt.Sprintf("%s\t%s\n", constants.IngestServiceCmdName, constants.Version), out.String(),
		"Version should print the command name and version")
}

func TestDefaultBufferHoldsFullSnapshot(t *testing.T) {
	t.Parallel()

	a, err := daemon.New()
	require.NoError(t, err, "Setup: New should not fail")
	require.Equal(t, constants.DefaultFeedBufferSize, a.Config().Feed.BufferSize, "Unexpected default feed buffer size")
	require.GreaterOrEqual(t, a.Config().Feed.BufferSize, 500*1024, "Default feed buffer should hold a full snapshot")
}

func TestConfig(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		conf *daemon.AppConfig
		args []string

		want func(*testing.T, daemon.AppConfig)
	}{
		"Configuration file is loaded": {
			conf: &daemon.AppConfig{
				Feed: daemon.FeedConfig{
					Owner:      "someone",
					Repo:       "somerepo",
					Mode:       "delta",
					Interval:   30 * time.Minute,
					Offset:     time.Minute,
					ChunkSize:  12,
					Workers:    3,
					BufferSize: 64,
				},
				MetricsConfig: metrics.Config{Host: "127.0.0.1", Port: 9000},
				DBconfig:      database.Config{Host: "db", Port: 5433, DBName: "cves"},
				NATS:          daemon.NATSConfig{URL: "nats://nats:4222", Subject: "cves"},
			},
			want: func(t *testing.T, got daemon.AppConfig) {
				t.Helper()
				require.Equal(t, "someone", got.Feed.Owner)
				require.Equal(t, "somerepo", got.Feed.Repo)
				require.Equal(t, "delta", got.Feed.Mode)
				require.Equal(t, 30*time.Minute, got.Feed.Interval)
				require.Equal(t, time.Minute, got.Feed.Offset)
				require.Equal(t, 12, got.Feed.ChunkSize)
				require.Equal(t, 3, got.Feed.Workers)
				require.Equal(t, 64, got.Feed.BufferSize)
				require.Equal(t, 9000, got.MetricsConfig.Port)
				require.Equal(t, "db", got.DBconfig.Host)
				require.Equal(t, 5433, got.DBconfig.Port)
				require.Equal(t, "nats://nats:4222", got.NATS.URL)
				require.Equal(t, "cves", got.NATS.Subject)
			},
		},
		"Verbosity from the configuration file": {
			conf: &daemon.AppConfig{Verbosity: 1},
			want: func(t *testing.T, got daemon.AppConfig) {
				t.Helper()
				require.Equal(t, 1, got.Verbosity)
			},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			// The version subcommand loads the configuration without starting the daemon.
			a := daemon.NewForTests(t, tc.conf, append([]string{"version"}, tc.args...)...)
			a.SetOutput(&bytes.Buffer{})

			require.NoError(t, a.Run(), "Run should not return an error")
			tc.want(t, a.Config())
		})
	}
}

func TestUsageError(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		args []string

		wantUsageErr bool
	}{
		"Unknown flag":              {args: []string{"--unknown"}, wantUsageErr: true},
		"Unexpected argument":       {args: []string{"version", "extra"}, wantUsageErr: true},
		"Migrate without directory": {args: []string{"migrate"}, wantUsageErr: true},
		"Migrate with a missing directory": {
			args:         []string{"migrate", "/nonexistent/migrations"},
			wantUsageErr: true,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			a := daemon.NewForTests(t, nil, tc.args...)
			a.SetOutput(&bytes.Buffer{})

			err := a.Run()
			require.Error(t, err, "Run should return an error")
			require.Equal(t, tc.wantUsageErr, a.UsageError(), "Unexpected usage error state")
		})
	}
}

func TestRunInvalidConfiguration(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		feed daemon.FeedConfig
	}{
		"Unknown feed mode": {feed: daemon.FeedConfig{Mode: "weekly"}},
		"Negative offset":   {feed: daemon.FeedConfig{Offset: -time.Minute}},
		"Negative buffer":   {feed: daemon.FeedConfig{BufferSize: -1}},
		"Negative timeout":  {feed: daemon.FeedConfig{FetchTimeout: -time.Second}},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			a := daemon.NewForTests(t, &daemon.AppConfig{Feed: tc.feed})
			a.SetOutput(&bytes.Buffer{})

			err := a.Run()
			require.Error(t, err, "Run should fail on an invalid configuration")
			require.False(t, a.UsageError(), "Invalid configuration is not a usage error")

			// Quit must not block when the daemon could not start.
			a.Quit()
		})
	}
}

func TestRunIngestsFeed(t *testing.T) {
	t.Parallel()

	db := testutils.StartPostgresContainer(t)
	testutils.ApplyMigrations(t, db.DSN, testutils.MigrationsDir())

	ts := newFakeGitHub(t, map[string]string{
		"cves/2024/0xxx/CVE-2024-0001.json": publishedRecord,
		"cves/2024/0xxx/CVE-2024-0002.json": rejectedRecord,
		"cves/delta.json":                   `{}`,
	})

	port, err := strconv.Atoi(db.Port)
	require.NoError(t, err, "Setup: invalid database port")
	dbConfig := database.Config{
		Host:     db.Host,
		Port:     port,
		User:     db.User,
		Password: db.Password,
		DBName:   db.Name,
		SSLMode:  "disable",
	}

	a := daemon.NewForTests(t, &daemon.AppConfig{
		Feed: daemon.FeedConfig{
			BaseURL:    ts.URL,
			Mode:       "full",
			Interval:   time.Hour,
			ChunkSize:  1,
			Workers:    2,
			BufferSize: 16,
		},
		MetricsConfig: metrics.Config{Host: "127.0.0.1", ReadTimeout: time.Second, WriteTimeout: time.Second},
		DBconfig:      dbConfig,
	})

	runErr := make(chan error, 1)
	go func() { runErr <- a.Run() }()
	a.WaitReady()

	m, err := database.Connect(t.Context(), dbConfig)
	require.NoError(t, err, "Setup: could not connect to the database")
	defer m.Close()

	require.Eventually(t, func() bool {
		vulns, err := m.ListVulnerabilities(t.Context())
		return err == nil && len(vulns) == 1
	}, 20*time.Second, 100*time.Millisecond, "The published vulnerability should be stored")

	vulns, err := m.ListVulnerabilities(t.Context())
	require.NoError(t, err, "ListVulnerabilities should not fail")
	require.Equal(t, "CVE-2024-0001", vulns[0].Key, "Only the published record should be stored")
	require.Equal(t, "Buffer overflow", vulns[0].Title, "Unexpected title")

	a.Quit()
	select {
	case err := <-runErr:
		require.NoError(t, err, "Run should exit cleanly after Quit")
	case <-time.After(10 * time.Second):
		require.Fail(t, "Run did not return after Quit")
	}
}

const (
	publishedRecord = `{"dataType":"CVE_RECORD","dataVersion":"5.1",
		"cveMetadata":{"cveId":"CVE-2024-0001","state":"PUBLISHED","dateReserved":"2024-01-01","datePublished":"2024-01-05T10:00:00Z"},
		"containers":{"cna":{"title":"Buffer overflow","descriptions":[{"lang":"en","value":"A buffer overflow."}],"references":[{"url":"https://example.com/1"}]}}}`
	rejectedRecord = `{"dataType":"CVE_RECORD","dataVersion":"5.1",
		"cveMetadata":{"cveId":"CVE-2024-0002","state":"REJECTED","dateRejected":"2024-02-01"},
		"containers":{"cna":{"rejectedReasons":[{"lang":"en","value":"Duplicate."}]}}}`
)

// newFakeGitHub serves one release whose full snapshot asset holds files.
func newFakeGitHub(t *testing.T, files map[string]string) *httptest.Server {
	t.Helper()

	bundle := newZip(t, map[string]string{"cves.zip": string(newZip(t, files))})
	owner, repo := release.DefaultOwner, release.DefaultRepo

	mux := http.NewServeMux()
	mux.HandleFunc(fmt.Sprintf("GET /repos/%s/%s/releases", owner, repo), func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `[{"tag_name":"cve_2024-06-01_0000Z","assets":[
			{"id":1,"name":"2024-06-01_all_CVEs_at_midnight.zip.zip","content_type":"application/zip"}]}]`)
	})
	mux.HandleFunc(fmt.Sprintf("GET /repos/%s/%s/releases/assets/1", owner, repo), func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(bundle)
	})

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func newZip(t *testing.T, files map[string]string) []byte {
	t.Helper()

	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range files {
		fw, err := w.Create(name)
		require.NoError(t, err, "Setup: could not create zip entry")
		_, err = fw.Write([]byte(content))
		require.NoError(t, err, "Setup: could not write zip entry")
	}
	require.NoError(t, w.Close(), "Setup: could not close zip writer")
	return buf.Bytes()
}
