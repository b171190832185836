// Package decoder decodes extracted CVE record files in parallel.
package decoder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"

	"github.com/cvewatch/cvewatch/internal/feed/archive"
	"github.com/cvewatch/cvewatch/internal/feed/cve"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// DefaultChunkSize is the number of files decoded by a single task.
const DefaultChunkSize = 8192

// maxLoggedPayload bounds how much of a malformed payload ends up in the logs.
const maxLoggedPayload = 4096

// ErrTaskPanicked is returned when a decode task terminated abnormally.
var ErrTaskPanicked = errors.New("decode task panicked")

// FileError reports the file which made a batch fail.
type FileError struct {
	Name string
	Err  error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("could not decode %s: %v", e.Name, e.Err)
}

func (e *FileError) Unwrap() error {
	return e.Err
}

// Decoder splits files into contiguous chunks and decodes them on a bounded number of goroutines.
type Decoder struct {
	chunkSize int
	workers   int

	decode func(archive.File) (cve.Record, error)
}

type options struct {
	chunkSize int
	workers   int

	decode func(archive.File) (cve.Record, error)
}

// Options represents an optional function to override Decoder default values.
type Options func(*options)

// WithChunkSize sets the number of files per decode task.
func WithChunkSize(n int) Options {
	return func(o *options) {
		o.chunkSize = n
	}
}

// WithWorkers sets the maximum number of chunks decoded at the same time.
func WithWorkers(n int) Options {
	return func(o *options) {
		o.workers = n
	}
}

// New returns a Decoder. Non positive chunk size or worker count fall back to the defaults.
func New(args ...Options) *Decoder {
	opts := options{
		chunkSize: DefaultChunkSize,
		workers:   runtime.NumCPU(),
		decode:    decodeFile,
	}
	for _, opt := range args {
		opt(&opts)
	}
	if opts.chunkSize <= 0 {
		opts.chunkSize = DefaultChunkSize
	}
	if opts.workers <= 0 {
		opts.workers = runtime.NumCPU()
	}

	return &Decoder{
		chunkSize: opts.chunkSize,
		workers:   opts.workers,
		decode:    opts.decode,
	}
}

// Decode returns the records of every file, in input order.
//
// The batch is atomic: if any file fails to decode, or a task panics, no record is returned.
func (d *Decoder) Decode(ctx context.Context, files []archive.File) ([]cve.Record, error) {
	chunks := chunk(files, d.chunkSize)
	results := make([][]cve.Record, len(chunks))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(d.workers)

	for i, c := range chunks {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("%w: chunk %d: %v", ErrTaskPanicked, i, r)
				}
			}()

			recs, err := d.decodeChunk(ctx, c)
			if err != nil {
				return err
			}
			results[i] = recs
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	records := make([]cve.Record, 0, len(files))
	for _, recs := range results {
		records = append(records, recs...)
	}

	slog.Debug("Decoded records", "records", len(records), "chunks", len(chunks))
	return records, nil
}

// decodeChunk decodes files sequentially and stops at the first failure.
func (d *Decoder) decodeChunk(ctx context.Context, files []archive.File) ([]cve.Record, error) {
	recs := make([]cve.Record, 0, len(files))
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		rec, err := d.decode(f)
		if err != nil {
			return nil, &FileError{Name: f.Name, Err: err}
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// decodeFile decodes a single record, tolerating a leading byte order mark.
func decodeFile(f archive.File) (rec cve.Record, err error) {
	data, _, err := transform.Bytes(unicode.BOMOverride(transform.Nop), f.Data)
	if err != nil {
		return rec, err
	}

	if err := json.Unmarshal(data, &rec); err != nil {
		slog.Error("Failed to decode record file", "name", f.Name, "payload", snippet(f.Data), "err", err)
		return rec, err
	}
	if err := rec.Validate(); err != nil {
		slog.Error("Failed to decode record file", "name", f.Name, "payload", snippet(f.Data), "err", err)
		return rec, err
	}
	return rec, nil
}

func chunk(files []archive.File, size int) [][]archive.File {
	chunks := make([][]archive.File, 0, (len(files)+size-1)/size)
	for start := 0; start < len(files); start += size {
		chunks = append(chunks, files[start:min(start+size, len(files))])
	}
	return chunks
}

// snippet returns the beginning of a payload as printable UTF-8.
func snippet(data []byte) string {
	s := strings.ToValidUTF8(string(data[:min(len(data), maxLoggedPayload)]), "�")
	if len(data) > maxLoggedPayload {
		s += "…"
	}
	return s
}
