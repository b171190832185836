// Package constants defines the constants shared by the cvewatch commands.
package constants

import "log/slog"

var (
	// Version is the version of the application.
	Version = "Dev"
)

const (
	// IngestServiceCmdName is the name of the ingest service command.
	IngestServiceCmdName = "cvewatch-ingest"

	// DefaultLogLevel is the default log level selected without any verbosity flags.
	DefaultLogLevel = slog.LevelWarn

	// DefaultFeedBufferSize is the default number of vulnerabilities retained by the feed.
	// It holds a whole full snapshot, so a consumer slower than the poller does not lose records.
	DefaultFeedBufferSize = 512 * 1024
)
