package cve_test

import (
	"encoding/json"
	"testing"

	"github.com/cvewatch/cvewatch/internal/feed/cve"
	"github.com/stretchr/testify/require"
)

func TestRecordValidate(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		data string

		wantErr bool
	}{
		"Complete record": {data: `{"dataType":"CVE_RECORD","dataVersion":"5.1",
			"cveMetadata":{"cveId":"CVE-2024-0001","state":"PUBLISHED"},"containers":{"cna":{}}}`},
		"Rejected record without dates": {data: `{"dataType":"CVE_RECORD",
			"cveMetadata":{"cveId":"CVE-2024-0002","state":"REJECTED"},"containers":{}}`},

		"Missing data type errors":  {data: `{"cveMetadata":{"cveId":"CVE-2024-0001","state":"PUBLISHED"},"containers":{}}`, wantErr: true},
		"Missing state errors":      {data: `{"dataType":"CVE_RECORD","cveMetadata":{"cveId":"CVE-2024-0001"},"containers":{}}`, wantErr: true},
		"Missing identifier errors": {data: `{"dataType":"CVE_RECORD","cveMetadata":{"state":"PUBLISHED"},"containers":{}}`, wantErr: true},
		"Missing metadata errors":   {data: `{"dataType":"CVE_RECORD","containers":{}}`, wantErr: true},
		"Missing containers errors": {data: `{"dataType":"CVE_RECORD","cveMetadata":{"cveId":"CVE-2024-0001","state":"PUBLISHED"}}`, wantErr: true},
		"Null containers errors": {data: `{"dataType":"CVE_RECORD",
			"cveMetadata":{"cveId":"CVE-2024-0001","state":"PUBLISHED"},"containers":null}`, wantErr: true},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			var rec cve.Record
			require.NoError(t, json.Unmarshal([]byte(tc.data), &rec), "Setup: record should unmarshal")

			err := rec.Validate()
			if tc.wantErr {
				require.ErrorIs(t, err, cve.ErrMissingField, "Validate should report the missing field")
				return
			}
			require.NoError(t, err, "Validate should accept a complete record")
		})
	}
}
