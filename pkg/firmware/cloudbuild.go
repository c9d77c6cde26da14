package firmware

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ulikunitz/xz"

	"github.com/openpod/flashd/pkg/fetch"
)

// BuildClient drives the external build-and-artifact service: submit a build
// request for a target+flags combination, poll until an artifact URL is
// ready, download the single binary artifact.
type BuildClient struct {
	BaseURL      string
	Client       *http.Client
	PollInterval time.Duration
}

func NewBuildClient(baseURL string) *BuildClient {
	return &BuildClient{
		BaseURL:      baseURL,
		Client:       http.DefaultClient,
		PollInterval: 2 * time.Second,
	}
}

type buildRequest struct {
	Target  string `json:"target"`
	Version string `json:"version"`
	Flags   []Flag `json:"flags,omitempty"`
}

type buildStatus struct {
	ID          string `json:"id"`
	Status      string `json:"status"` // pending, running, done, failed
	ArtifactURL string `json:"artifact_url"`
	Error       string `json:"error"`
}

// Submit requests a build and returns its id.
func (b *BuildClient) Submit(ctx context.Context, desc Descriptor) (string, error) {
	body, err := json.Marshal(buildRequest{
		Target:  desc.Target,
		Version: desc.Version,
		Flags:   desc.Flags,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.BaseURL+"/build", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: build submit: %v", fetch.ErrSourceUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%w: build submit returned %s", fetch.ErrSourceUnavailable, resp.Status)
	}

	var st buildStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return "", fmt.Errorf("%w: build submit: %v", fetch.ErrSourceUnavailable, err)
	}
	if st.ID == "" {
		return "", fmt.Errorf("%w: build service returned no id", fetch.ErrSourceUnavailable)
	}
	return st.ID, nil
}

// Wait polls the build until it is done and returns the artifact URL.
func (b *BuildClient) Wait(ctx context.Context, id string) (string, error) {
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.BaseURL+"/build/"+id, nil)
		if err != nil {
			return "", err
		}
		resp, err := b.Client.Do(req)
		if err != nil {
			return "", fmt.Errorf("%w: build poll: %v", fetch.ErrSourceUnavailable, err)
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			resp.Body.Close()
			return "", fmt.Errorf("%w: build poll returned %s", fetch.ErrSourceUnavailable, resp.Status)
		}
		var st buildStatus
		err = json.NewDecoder(resp.Body).Decode(&st)
		resp.Body.Close()
		if err != nil {
			return "", fmt.Errorf("%w: build poll: %v", fetch.ErrSourceUnavailable, err)
		}

		switch st.Status {
		case "done":
			if st.ArtifactURL == "" {
				return "", fmt.Errorf("%w: build %s done but has no artifact", fetch.ErrSourceUnavailable, id)
			}
			return st.ArtifactURL, nil
		case "failed":
			return "", fmt.Errorf("%w: build %s failed: %s", fetch.ErrSourceUnavailable, id, st.Error)
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(b.PollInterval):
		}
	}
}

// Download fetches the artifact, reporting byte-level progress when the
// transfer exposes a length. Artifacts compressed with xz (.xz suffix) are
// decompressed transparently.
func (b *BuildClient) Download(ctx context.Context, url string, progress func(current, total int64)) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: artifact download: %v", fetch.ErrSourceUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: artifact download returned %s", fetch.ErrSourceUnavailable, resp.Status)
	}

	total := resp.ContentLength
	var buf bytes.Buffer
	var current int64
	chunk := make([]byte, 64*1024)
	for {
		n, err := resp.Body.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			current += int64(n)
			if progress != nil && total > 0 {
				progress(current, total)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: artifact download: %v", fetch.ErrSourceUnavailable, err)
		}
	}

	data := buf.Bytes()
	if strings.HasSuffix(url, ".xz") {
		xr, err := xz.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("could not decompress artifact: %w", err)
		}
		data, err = io.ReadAll(xr)
		if err != nil {
			return nil, fmt.Errorf("could not decompress artifact: %w", err)
		}
	}
	return data, nil
}
