// Package release retrieves CVE snapshot bundles published as GitHub release assets.
package release

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/go-github/v73/github"
	"github.com/ubuntu/decorate"
)

const (
	// DefaultOwner is the owner of the repository publishing the CVE list.
	DefaultOwner = "CVEProject"
	// DefaultRepo is the repository publishing the CVE list.
	DefaultRepo = "cvelistV5"

	// FullMarker is contained in the name of the asset holding every record.
	FullMarker = "_all_"
	// DeltaMarker is contained in the name of the asset holding the records changed since the previous release.
	DeltaMarker = "_delta_"

	// DefaultTimeout bounds every API call and asset download, redirects included.
	DefaultTimeout = 10 * time.Minute

	pageSize = 100
)

var (
	// ErrNoReleases is returned when the repository has no release.
	ErrNoReleases = errors.New("no releases")
	// ErrAssetNotFound is returned when the latest release has no asset of the requested kind.
	ErrAssetNotFound = errors.New("asset not found")
)

// Asset is a downloadable file attached to a release.
type Asset struct {
	ID          int64
	Name        string
	ContentType string
}

// Release is a published release and its assets.
type Release struct {
	Tag    string
	Assets []Asset
}

// Fetcher lists releases and downloads their assets.
type Fetcher struct {
	owner, repo string

	client     *github.Client
	httpClient *http.Client
}

type options struct {
	owner, repo string
	token       string
	baseURL     string
	httpClient  *http.Client
	timeout     time.Duration
}

// Options represents an optional function to override Fetcher default values.
type Options func(*options)

// WithRepository sets the repository the releases are read from.
func WithRepository(owner, repo string) Options {
	return func(o *options) {
		o.owner = owner
		o.repo = repo
	}
}

// WithToken authenticates requests with the given bearer token.
func WithToken(token string) Options {
	return func(o *options) {
		o.token = token
	}
}

// WithBaseURL sets the API endpoint, mostly for tests.
func WithBaseURL(u string) Options {
	return func(o *options) {
		o.baseURL = u
	}
}

// WithHTTPClient sets the HTTP client used for API calls and asset downloads.
func WithHTTPClient(c *http.Client) Options {
	return func(o *options) {
		o.httpClient = c
	}
}

// WithTimeout bounds every request of the fetcher, including the body of asset downloads.
// It applies to the HTTP client set by WithHTTPClient too. A zero timeout disables the limit.
func WithTimeout(d time.Duration) Options {
	return func(o *options) {
		o.timeout = d
	}
}

// New returns a Fetcher for the CVE list repository.
func New(args ...Options) (*Fetcher, error) {
	opts := options{
		owner:      DefaultOwner,
		repo:       DefaultRepo,
		httpClient: &http.Client{},
		timeout:    DefaultTimeout,
	}
	for _, opt := range args {
		opt(&opts)
	}

	httpClient := *opts.httpClient
	httpClient.Timeout = opts.timeout
	opts.httpClient = &httpClient

	if opts.owner == "" || opts.repo == "" {
		return nil, fmt.Errorf("repository owner and name must be set, got %q/%q", opts.owner, opts.repo)
	}

	client := github.NewClient(opts.httpClient)
	if opts.token != "" {
		client = client.WithAuthToken(opts.token)
	}
	if opts.baseURL != "" {
		u, err := url.Parse(strings.TrimSuffix(opts.baseURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("invalid base URL %q: %v", opts.baseURL, err)
		}
		client.BaseURL = u
	}

	return &Fetcher{
		owner:      opts.owner,
		repo:       opts.repo,
		client:     client,
		httpClient: opts.httpClient,
	}, nil
}

// ListReleases returns the first page of releases, in the order given by the host.
func (f *Fetcher) ListReleases(ctx context.Context) ([]Release, error) {
	rels, _, err := f.client.Repositories.ListReleases(ctx, f.owner, f.repo, &github.ListOptions{PerPage: pageSize})
	if err != nil {
		return nil, fmt.Errorf("could not list releases of %s/%s: %w", f.owner, f.repo, err)
	}

	releases := make([]Release, 0, len(rels))
	for _, r := range rels {
		rel := Release{Tag: r.GetTagName()}
		for _, a := range r.Assets {
			rel.Assets = append(rel.Assets, Asset{
				ID:          a.GetID(),
				Name:        a.GetName(),
				ContentType: a.GetContentType(),
			})
		}
		releases = append(releases, rel)
	}
	return releases, nil
}

// LocateAsset returns the full or delta asset of the first release.
func LocateAsset(releases []Release, full bool) (Asset, error) {
	if len(releases) == 0 {
		return Asset{}, ErrNoReleases
	}

	marker := DeltaMarker
	if full {
		marker = FullMarker
	}

	for _, a := range releases[0].Assets {
		if strings.Contains(a.Name, marker) {
			return a, nil
		}
	}
	return Asset{}, fmt.Errorf("%w: no asset containing %q in release %q", ErrAssetNotFound, marker, releases[0].Tag)
}

// Download returns the whole content of an asset.
// Redirections to the storage host are followed with the Fetcher HTTP client.
func (f *Fetcher) Download(ctx context.Context, asset Asset) (data []byte, err error) {
	defer decorate.OnError(&err, "could not download asset %q", asset.Name)

	rc, _, err := f.client.Repositories.DownloadReleaseAsset(ctx, f.owner, f.repo, asset.ID, f.httpClient)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, rc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Latest downloads the full or delta asset of the most recent release.
func (f *Fetcher) Latest(ctx context.Context, full bool) (asset Asset, data []byte, err error) {
	releases, err := f.ListReleases(ctx)
	if err != nil {
		return Asset{}, nil, err
	}

	asset, err = LocateAsset(releases, full)
	if err != nil {
		return Asset{}, nil, err
	}

	slog.Info("Downloading release asset", "release", releases[0].Tag, "asset", asset.Name)
	if data, err = f.Download(ctx, asset); err != nil {
		return Asset{}, nil, err
	}
	slog.Debug("Downloaded release asset", "asset", asset.Name, "bytes", len(data))

	return asset, data, nil
}
