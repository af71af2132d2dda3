package index

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/oshokin/app-updater/internal/domain/release"
	"github.com/oshokin/app-updater/internal/logger"
	"github.com/oshokin/app-updater/internal/service/common"
)

// maxManifestSize bounds the manifest body read from the network.
const maxManifestSize = 32 << 20

// Client downloads the release manifest.
type Client struct {
	// manifestURL is the absolute location of releases.yaml.
	manifestURL string
	// branch selects the release list.
	branch string
	// httpClient performs the requests.
	httpClient *http.Client
	// retry bounds the attempts.
	retry common.RetryPolicy
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithRetryPolicy overrides the retry policy.
func WithRetryPolicy(policy common.RetryPolicy) Option {
	return func(c *Client) {
		c.retry = policy
	}
}

// NewClient creates a manifest client for branch.
func NewClient(manifestURL, branch string, opts ...Option) *Client {
	c := &Client{
		manifestURL: manifestURL,
		branch:      branch,
		httpClient:  common.NewHTTPClient(),
		retry:       common.DefaultRetryPolicy(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Fetch downloads the manifest and returns the snapshot of the configured branch.
// Relative package URLs are resolved against the manifest URL.
// Every failure is reported as release.ErrUnreachable.
func (c *Client) Fetch(ctx context.Context) (*Snapshot, error) {
	base, err := url.Parse(c.manifestURL)
	if err != nil {
		return nil, fmt.Errorf("%w: parse manifest url: %w", release.ErrUnreachable, err)
	}

	var data []byte

	err = common.Retry(ctx, c.retry, func(ctx context.Context) error {
		response, getErr := common.Get(ctx, c.httpClient, base.String())
		if getErr != nil {
			return getErr
		}

		defer func() {
			_ = response.Body.Close()
		}()

		data, getErr = io.ReadAll(io.LimitReader(response.Body, maxManifestSize))

		return getErr
	})
	if err != nil {
		return nil, fmt.Errorf("%w: download %s: %w", release.ErrUnreachable, c.manifestURL, err)
	}

	manifest, err := ParseManifest(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", release.ErrUnreachable, err)
	}

	if err = manifest.resolveURLs(base); err != nil {
		return nil, fmt.Errorf("%w: %w", release.ErrUnreachable, err)
	}

	snapshot, err := manifest.Snapshot(c.branch)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", release.ErrUnreachable, err)
	}

	logger.InfoKV(ctx, "Fetched release manifest",
		"url", c.manifestURL, "branch", c.branch, "releases", len(snapshot.releases))

	return snapshot, nil
}

// resolveURLs rewrites relative package URLs to absolute ones.
func (m *Manifest) resolveURLs(base *url.URL) error {
	for _, b := range m.Branches {
		if b == nil {
			continue
		}

		for _, desc := range b.Releases {
			if desc == nil {
				continue
			}

			ref, err := url.Parse(desc.Package.URL)
			if err != nil {
				return fmt.Errorf("parse package url of %s: %w", desc.Version, err)
			}

			desc.Package.URL = base.ResolveReference(ref).String()
		}
	}

	return nil
}
