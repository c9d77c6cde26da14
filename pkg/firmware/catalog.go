package firmware

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	"howett.net/plist"

	"github.com/openpod/flashd/pkg/fetch"
)

// catalogFeed mirrors the release catalog's plist structure: a map of
// published versions to their archive assets.
type catalogFeed struct {
	Releases map[string]catalogRelease `plist:"Releases"`
	Current  string                    `plist:"CurrentVersion"`
}

type catalogRelease struct {
	ArchiveURL string `plist:"ArchiveURL"`
}

// Catalog looks up published release archives from the upstream plist feed.
// The feed is fetched once and kept for the process lifetime; versions are
// immutable once published.
type Catalog struct {
	URL    string
	Client *http.Client

	mu   sync.Mutex
	feed *catalogFeed
}

func NewCatalog(url string) *Catalog {
	return &Catalog{URL: url, Client: http.DefaultClient}
}

func (c *Catalog) fetch(ctx context.Context) (*catalogFeed, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.feed != nil {
		return c.feed, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: could not download release catalog: %v", fetch.ErrSourceUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: release catalog returned %s", fetch.ErrSourceUnavailable, resp.Status)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: could not download release catalog: %v", fetch.ErrSourceUnavailable, err)
	}

	var feed catalogFeed
	if _, err := plist.Unmarshal(data, &feed); err != nil {
		return nil, fmt.Errorf("could not parse release catalog: %w", err)
	}
	c.feed = &feed
	return c.feed, nil
}

// ArchiveURL resolves a version ("current" or an explicit version string) to
// its release archive URL.
func (c *Catalog) ArchiveURL(ctx context.Context, version string) (string, error) {
	feed, err := c.fetch(ctx)
	if err != nil {
		return "", err
	}
	if version == "" || version == "current" {
		version = feed.Current
	}
	rel, ok := feed.Releases[version]
	if !ok {
		return "", fmt.Errorf("%w: no release %q in catalog", fetch.ErrSourceUnavailable, version)
	}
	return rel.ArchiveURL, nil
}

// Versions lists the published versions, for operator-facing listings.
func (c *Catalog) Versions(ctx context.Context) ([]string, error) {
	feed, err := c.fetch(ctx)
	if err != nil {
		return nil, err
	}
	var res []string
	for v := range feed.Releases {
		res = append(res, v)
	}
	return res, nil
}
