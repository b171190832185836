package decoder

import (
	"github.com/cvewatch/cvewatch/internal/feed/archive"
	"github.com/cvewatch/cvewatch/internal/feed/cve"
)

// WithDecodeFunc overrides how a single file is decoded.
func WithDecodeFunc(f func(archive.File) (cve.Record, error)) Options {
	return func(o *options) {
		o.decode = f
	}
}

// Chunk exposes the partitioning of files for tests.
var Chunk = chunk
