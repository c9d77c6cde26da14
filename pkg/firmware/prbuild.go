package firmware

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/openpod/flashd/pkg/fetch"
)

// ArtifactClient resolves pull-request build references to CI artifact
// bundles. A pr-build version string encodes "PR@commit", e.g. "412@3fe9a10".
type ArtifactClient struct {
	BaseURL string
	Client  *http.Client
}

func NewArtifactClient(baseURL string) *ArtifactClient {
	return &ArtifactClient{BaseURL: baseURL, Client: http.DefaultClient}
}

type artifactResponse struct {
	ArchiveURL string `json:"archive_url"`
}

// BundleURL returns the artifact bundle URL for a pr-build version string.
func (a *ArtifactClient) BundleURL(ctx context.Context, version string) (string, error) {
	pr, commit, ok := strings.Cut(version, "@")
	if !ok || pr == "" || commit == "" {
		return "", fmt.Errorf("invalid pr-build version %q, want \"PR@commit\"", version)
	}

	u := fmt.Sprintf("%s/artifacts?pr=%s&commit=%s", a.BaseURL, url.QueryEscape(pr), url.QueryEscape(commit))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := a.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: artifact lookup: %v", fetch.ErrSourceUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%w: artifact lookup returned %s", fetch.ErrSourceUnavailable, resp.Status)
	}

	var ar artifactResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return "", fmt.Errorf("%w: artifact lookup: %v", fetch.ErrSourceUnavailable, err)
	}
	if ar.ArchiveURL == "" {
		return "", fmt.Errorf("%w: no artifact bundle for %s@%s", fetch.ErrSourceUnavailable, pr, commit)
	}
	return ar.ArchiveURL, nil
}
