// Package archive unpacks CVE release bundles into in-memory record files.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	"github.com/klauspost/compress/zip"
)

// ErrCorruptArchive is returned when the outer or inner container cannot be read.
var ErrCorruptArchive = errors.New("corrupt archive")

const (
	recordExt = ".json"

	// maxPrealloc caps the buffer reserved from the size announced by an entry header.
	maxPrealloc = 64 << 20
)

// excluded are the bookkeeping files shipped next to the records. They index changes and are not records.
var excluded = map[string]struct{}{
	"delta.json":    {},
	"deltaLog.json": {},
}

// File is one record payload taken from an archive.
type File struct {
	Name string
	Data []byte
}

// Extract returns the record files contained in data, in archive order.
//
// When nested is true, data is a full snapshot: its first entry is itself an archive, which is the one
// holding the records. Otherwise data directly holds the records.
// Entries which cannot be read are logged and skipped.
func Extract(ctx context.Context, data []byte, nested bool) (files []File, err error) {
	r, err := openArchive(data)
	if err != nil {
		return nil, fmt.Errorf("could not open outer archive: %w", err)
	}

	if nested {
		if r, err = openInner(r); err != nil {
			return nil, err
		}
	}

	for _, f := range r.File {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !isRecord(f) {
			continue
		}

		d, err := readEntry(f)
		if err != nil {
			slog.Warn("Skipping unreadable archive entry", "name", f.Name, "err", err)
			continue
		}
		files = append(files, File{Name: f.Name, Data: d})
	}

	slog.Debug("Extracted archive", "files", len(files), "entries", len(r.File), "nested", nested)
	return files, nil
}

// ExtractAsync runs Extract on its own goroutine and waits for it or for ctx to be done.
func ExtractAsync(ctx context.Context, data []byte, nested bool) ([]File, error) {
	type result struct {
		files []File
		err   error
	}

	ch := make(chan result, 1)
	go func() {
		files, err := Extract(ctx, data, nested)
		ch <- result{files, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res.files, res.err
	}
}

func openArchive(data []byte) (*zip.Reader, error) {
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptArchive, err)
	}
	return r, nil
}

// openInner reads the first entry of outer fully and opens it as an archive.
func openInner(outer *zip.Reader) (*zip.Reader, error) {
	if len(outer.File) == 0 {
		return nil, fmt.Errorf("%w: outer archive is empty", ErrCorruptArchive)
	}

	first := outer.File[0]
	d, err := readEntry(first)
	if err != nil {
		return nil, fmt.Errorf("%w: could not read inner archive %q: %v", ErrCorruptArchive, first.Name, err)
	}

	r, err := openArchive(d)
	if err != nil {
		return nil, fmt.Errorf("could not open inner archive %q: %w", first.Name, err)
	}
	return r, nil
}

func isRecord(f *zip.File) bool {
	if f.FileInfo().IsDir() || !strings.HasSuffix(f.Name, recordExt) {
		return false
	}
	_, skip := excluded[path.Base(f.Name)]
	return !skip
}

func readEntry(f *zip.File) (d []byte, err error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := rc.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	buf := bytes.NewBuffer(make([]byte, 0, min(f.UncompressedSize64, maxPrealloc)))
	if _, err := io.Copy(buf, rc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
