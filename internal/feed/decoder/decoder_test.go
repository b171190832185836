package decoder_test

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/cvewatch/cvewatch/internal/common/testutils"
	"github.com/cvewatch/cvewatch/internal/feed/archive"
	"github.com/cvewatch/cvewatch/internal/feed/cve"
	"github.com/cvewatch/cvewatch/internal/feed/decoder"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeMatchesSequential(t *testing.T) {
	t.Parallel()

	files := recordFiles(37)
	want, err := decoder.New(decoder.WithChunkSize(len(files)), decoder.WithWorkers(1)).Decode(t.Context(), files)
	require.NoError(t, err, "Setup: sequential decode should not fail")
	require.Len(t, want, len(files), "Setup: every file should be decoded")

	tests := map[string]struct {
		chunkSize int
		workers   int
	}{
		"One file per chunk":           {chunkSize: 1, workers: 4},
		"Chunks not dividing input":    {chunkSize: 5, workers: 3},
		"Single worker":                {chunkSize: 4, workers: 1},
		"Chunk larger than input":      {chunkSize: 1000, workers: 8},
		"Default values on zero input": {chunkSize: 0, workers: 0},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			d := decoder.New(decoder.WithChunkSize(tc.chunkSize), decoder.WithWorkers(tc.workers))
			got, err := d.Decode(t.Context(), files)
			require.NoError(t, err, "Decode should not fail")
			require.ElementsMatch(t, want, got, "Parallel decode should yield the same records as a sequential one")
		})
	}
}

func TestDecodeEmpty(t *testing.T) {
	t.Parallel()

	got, err := decoder.New().Decode(t.Context(), nil)
	require.NoError(t, err, "Decode of no file should not fail")
	require.Empty(t, got, "Decode of no file should return no record")
}

func TestDecodeFailsWholeBatch(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		bad string
	}{
		"Invalid JSON":           {bad: `{"dataType":`},
		"Unknown state":          {bad: recordJSON("CVE-2024-9999", "RESERVED")},
		"Unknown data type":      {bad: strings.Replace(recordJSON("CVE-2024-9999", "PUBLISHED"), "CVE_RECORD", "CVE_LIST", 1)},
		"Malformed timestamp":    {bad: `{"dataType":"CVE_RECORD","dataVersion":"5.1","cveMetadata":{"cveId":"CVE-2024-9999","state":"PUBLISHED","datePublished":"later"},"containers":{}}`},
		"Wrong containers shape": {bad: `{"dataType":"CVE_RECORD","dataVersion":"5.1","cveMetadata":{"cveId":"CVE-2024-9999","state":"PUBLISHED"},"containers":[]}`},
		"Non UTF-8 garbage":      {bad: "\xfd\xfd\xfd"},

		"Missing data type":  {bad: `{"dataVersion":"5.1","cveMetadata":{"cveId":"CVE-2024-9999","state":"PUBLISHED"},"containers":{}}`},
		"Missing state":      {bad: `{"dataType":"CVE_RECORD","dataVersion":"5.1","cveMetadata":{"cveId":"CVE-2024-9999"},"containers":{}}`},
		"Missing identifier": {bad: `{"dataType":"CVE_RECORD","dataVersion":"5.1","cveMetadata":{"state":"REJECTED"},"containers":{}}`},
		"Missing containers": {bad: `{"dataType":"CVE_RECORD","dataVersion":"5.1","cveMetadata":{"cveId":"CVE-2024-9999","state":"PUBLISHED"}}`},
		"Empty object":       {bad: `{}`},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			files := recordFiles(20)
			files[13] = archive.File{Name: "cves/bad.json", Data: []byte(tc.bad)}

			got, err := decoder.New(decoder.WithChunkSize(3), decoder.WithWorkers(4)).Decode(t.Context(), files)
			require.Error(t, err, "Decode should fail when one file is malformed")
			require.Nil(t, got, "No partial record list should be returned")

			var fileErr *decoder.FileError
			require.ErrorAs(t, err, &fileErr, "Error should report the failing file")
			require.Equal(t, "cves/bad.json", fileErr.Name, "Unexpected failing file")
		})
	}
}

//nolint:paralleltest // Replaces the default logger.
func TestDecodeLogsFailingFile(t *testing.T) {
	logs := testutils.CaptureLogs(t, slog.LevelDebug)

	files := recordFiles(4)
	files[2] = archive.File{Name: "cves/bad.json", Data: []byte(`{"dataType":`)}

	_, err := decoder.New(decoder.WithChunkSize(1), decoder.WithWorkers(1)).Decode(t.Context(), files)
	require.Error(t, err, "Decode should fail when one file is malformed")

	if !assert.Equal(t, map[slog.Level]uint{slog.LevelError: 1}, logs.Levels(), "Only the failing file should be logged") {
		logs.OutputLogs(t)
	}
	require.Equal(t, []string{"cves/bad.json"}, logs.Attr("Failed to decode record file", "name"), "Log should name the failing file")
}

func TestDecodeTaskPanic(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	d := decoder.New(
		decoder.WithChunkSize(2),
		decoder.WithWorkers(2),
		decoder.WithDecodeFunc(func(f archive.File) (cve.Record, error) {
			if calls.Add(1) == 3 {
				panic("boom")
			}
			return cve.Record{}, nil
		}),
	)

	got, err := d.Decode(t.Context(), recordFiles(8))
	require.ErrorIs(t, err, decoder.ErrTaskPanicked, "Decode should report the panicking task")
	require.Nil(t, got, "No partial record list should be returned")
}

func TestDecodeCanceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	got, err := decoder.New().Decode(ctx, recordFiles(3))
	require.ErrorIs(t, err, context.Canceled, "Decode should stop on canceled context")
	require.Nil(t, got, "No partial record list should be returned")
}

func TestDecodeByteOrderMark(t *testing.T) {
	t.Parallel()

	data := append([]byte("\xef\xbb\xbf"), recordJSON("CVE-2024-0001", "PUBLISHED")...)

	got, err := decoder.New().Decode(t.Context(), []archive.File{{Name: "bom.json", Data: data}})
	require.NoError(t, err, "Decode should accept a leading byte order mark")
	require.Len(t, got, 1, "Unexpected number of records")
	require.Equal(t, "CVE-2024-0001", got[0].Metadata.CVEID, "Unexpected identifier")
}

func TestDecodeKeepsMalformedIdentifiers(t *testing.T) {
	t.Parallel()

	files := []archive.File{{Name: "short.json", Data: []byte(recordJSON("CVE-24-1", "PUBLISHED"))}}

	got, err := decoder.New().Decode(t.Context(), files)
	require.NoError(t, err, "Identifiers are checked when normalizing, not when decoding")
	require.Equal(t, "CVE-24-1", got[0].Metadata.CVEID, "Raw identifier should be kept")
}

func TestChunk(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		files int
		size  int

		wantSizes []int
	}{
		"Empty input":        {files: 0, size: 3, wantSizes: []int{}},
		"Exact multiple":     {files: 6, size: 3, wantSizes: []int{3, 3}},
		"Last chunk shorter": {files: 7, size: 3, wantSizes: []int{3, 3, 1}},
		"Single short chunk": {files: 2, size: 3, wantSizes: []int{2}},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			files := recordFiles(tc.files)
			chunks := decoder.Chunk(files, tc.size)

			sizes := []int{}
			var flat []archive.File
			for _, c := range chunks {
				sizes = append(sizes, len(c))
				flat = append(flat, c...)
			}
			require.Equal(t, tc.wantSizes, sizes, "Unexpected chunk sizes")
			if tc.files > 0 {
				require.Equal(t, files, flat, "Chunks should be contiguous and in order")
			}
		})
	}
}

func recordFiles(n int) []archive.File {
	files := make([]archive.File, 0, n)
	for i := range n {
		id := fmt.Sprintf("CVE-2024-%04d", i)
		state := "PUBLISHED"
		if i%5 == 0 {
			state = "REJECTED"
		}
		files = append(files, archive.File{Name: "cves/" + id + ".json", Data: []byte(recordJSON(id, state))})
	}
	return files
}

func recordJSON(id, state string) string {
	return fmt.Sprintf(`{"dataType":"CVE_RECORD","dataVersion":"5.1",`+
		`"cveMetadata":{"cveId":%q,"state":%q,"dateReserved":"2024-01-01","datePublished":"2024-01-02T10:00:00.000Z"},`+
		`"containers":{"cna":{"descriptions":[{"lang":"en","value":"Description of %s"}]}}}`, id, state, id)
}
