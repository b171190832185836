package cve

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/cvewatch/cvewatch/internal/vulnerabilities"
	"github.com/go-viper/mapstructure/v2"
)

var (
	// ErrRejected is returned when normalizing a record which is not published.
	ErrRejected = errors.New("record is not published")

	// ErrNoDescription is returned when a published record has no CNA container or no description in it.
	ErrNoDescription = errors.New("record has no description")
)

type cnaDescription struct {
	Lang  string `json:"lang"`
	Value string `json:"value"`
}

type cnaReference struct {
	URL  string   `json:"url"`
	Name string   `json:"name"`
	Tags []string `json:"tags"`
}

type cnaContainer struct {
	Title        *string          `json:"title"`
	Descriptions []cnaDescription `json:"descriptions"`
	References   []cnaReference   `json:"references"`
}

// Normalize converts a published record into the vulnerability event emitted by the feed.
//
// It fails with ErrRejected for records which are not published, with ErrNoDescription when
// the CNA container is absent or has no description, and with ErrInvalidID when the identifier
// is malformed.
func Normalize(rec Record) (vulnerabilities.NewVulnerability, error) {
	if rec.Metadata.State != StatePublished {
		return vulnerabilities.NewVulnerability{}, fmt.Errorf("%w: %s is %s", ErrRejected, rec.Metadata.CVEID, rec.Metadata.State)
	}

	id, err := ParseID(rec.Metadata.CVEID)
	if err != nil {
		return vulnerabilities.NewVulnerability{}, err
	}

	raw, ok := rec.Containers[CNAContainer]
	if !ok {
		return vulnerabilities.NewVulnerability{}, fmt.Errorf("%w: %s has no %q container", ErrNoDescription, id, CNAContainer)
	}

	var cna cnaContainer
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName: "json",
		Result:  &cna,
	})
	if err != nil {
		return vulnerabilities.NewVulnerability{}, fmt.Errorf("could not create container decoder: %v", err)
	}
	if err := dec.Decode(raw); err != nil {
		return vulnerabilities.NewVulnerability{}, fmt.Errorf("%w: %s has a malformed %q container: %v", ErrNoDescription, id, CNAContainer, err)
	}
	if len(cna.Descriptions) == 0 {
		return vulnerabilities.NewVulnerability{}, fmt.Errorf("%w: %s", ErrNoDescription, id)
	}

	title := id.String()
	if cna.Title != nil {
		title = *cna.Title
	}

	return vulnerabilities.NewVulnerability{
		Key:         id.String(),
		ReservedAt:  timePtr(rec.Metadata.DateReserved),
		PublishedAt: timePtr(rec.Metadata.DatePublished),
		RejectedAt:  timePtr(rec.Metadata.DateRejected),
		Title:       title,
		Description: cna.Descriptions[0].Value,
		References:  normalizeReferences(id, cna.References),
	}, nil
}

func normalizeReferences(id ID, refs []cnaReference) []vulnerabilities.Reference {
	out := make([]vulnerabilities.Reference, 0, len(refs))
	for _, ref := range refs {
		u, err := url.Parse(ref.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			slog.Debug("Skipping reference with invalid URL", "cve", id, "url", ref.URL)
			continue
		}

		tags := ref.Tags
		if tags == nil {
			tags = []string{}
		}
		out = append(out, vulnerabilities.Reference{
			URL:  ref.URL,
			Name: ref.Name,
			Tags: tags,
		})
	}
	return out
}
