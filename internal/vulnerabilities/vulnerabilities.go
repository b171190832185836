// Package vulnerabilities defines the vulnerability domain shared by the feed and its consumers,
// and the store contract consumers write to.
package vulnerabilities

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Reference is a link attached to a vulnerability.
type Reference struct {
	URL  string   `json:"url"`
	Name string   `json:"name,omitempty"`
	Tags []string `json:"tags"`
}

// NewVulnerability is the normalized form of a published record, as emitted by the feed.
type NewVulnerability struct {
	Key         string      `json:"key"`
	ReservedAt  *time.Time  `json:"reservedAt,omitempty"`
	PublishedAt *time.Time  `json:"publishedAt,omitempty"`
	RejectedAt  *time.Time  `json:"rejectedAt,omitempty"`
	Title       string      `json:"title"`
	Description string      `json:"description"`
	References  []Reference `json:"references"`
}

// Vulnerability is a stored vulnerability.
type Vulnerability struct {
	ID        uuid.UUID `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	NewVulnerability
}

// Store is the narrow persistence contract used by the ingestion pipeline.
//
// CreateVulnerability is keyed on NewVulnerability.Key: storing the same key twice updates the
// existing vulnerability, so repeated full snapshots do not create duplicates.
type Store interface {
	CreateVulnerability(ctx context.Context, v NewVulnerability) (Vulnerability, error)
	ListVulnerabilities(ctx context.Context) ([]Vulnerability, error)
}

// Feed is a stream of normalized vulnerabilities, such as a broadcast subscription.
type Feed interface {
	Recv(ctx context.Context) (NewVulnerability, error)
}
