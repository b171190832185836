package cli_test

import (
	"context"
	"log/slog"
	"testing"

	"github.com/cvewatch/cvewatch/internal/common/cli"
	"github.com/cvewatch/cvewatch/internal/common/constants"
	"github.com/stretchr/testify/assert"
)

// hacky way to allow us to reset the default logger.
var defaultLogger = *slog.Default()

func TestSetVerbosity(t *testing.T) {
	tests := map[string]struct {
		pattern []int
	}{
		"info":            {pattern: []int{1}},
		"none":            {pattern: []int{0}},
		"info none":       {pattern: []int{1, 0}},
		"info debug":      {pattern: []int{1, 2}},
		"info debug none": {pattern: []int{1, 2, 0}},
		"debug":           {pattern: []int{2}},
		"more than debug": {pattern: []int{5}},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			slog.SetDefault(&defaultLogger)

			for _, p := range tc.pattern {
				cli.SetVerbosity(p)

				switch p {
				case 0:
					assert.True(t, slog.Default().Enabled(context.Background(), constants.DefaultLogLevel))
					assert.False(t, slog.Default().Enabled(context.Background(), constants.DefaultLogLevel-1))
				case 1:
					assert.True(t, slog.Default().Enabled(context.Background(), slog.LevelInfo))
					assert.False(t, slog.Default().Enabled(context.Background(), slog.LevelInfo-1))
				default:
					assert.True(t, slog.Default().Enabled(context.Background(), slog.LevelDebug))
					assert.False(t, slog.Default().Enabled(context.Background(), slog.LevelDebug-1))
				}
			}
		})
	}
}

func TestSetSlog(t *testing.T) {
	tests := map[string]struct {
		level   int
		jsonLog bool
	}{
		"info":       {level: 1},
		"none":       {level: 0},
		"info json":  {level: 1, jsonLog: true},
		"debug json": {level: 2, jsonLog: true},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			slog.SetDefault(&defaultLogger)
			cli.SetSlog(tc.level, tc.jsonLog)

			_, isJSON := slog.Default().Handler().(*slog.JSONHandler)
			assert.Equal(t, tc.jsonLog, isJSON, "unexpected log handler type")
		})
	}
}
