package firmware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/openpod/flashd/pkg/fetch"
	"github.com/openpod/flashd/pkg/remotezip"
)

// Events carries the resolver's coarse progress callbacks. All fields are
// optional.
type Events struct {
	// BuildStarted/BuildDone bracket the cloudbuild phase.
	BuildStarted func()
	BuildDone    func()
	// Progress reports byte-level transfer progress where the underlying
	// download exposes it (cloudbuild direct downloads only).
	Progress func(current, total int64)
}

func (e Events) buildStarted() {
	if e.BuildStarted != nil {
		e.BuildStarted()
	}
}

func (e Events) buildDone() {
	if e.BuildDone != nil {
		e.BuildDone()
	}
}

// Resolver turns a Descriptor into a firmware binary.
type Resolver struct {
	Catalog   *Catalog
	Artifacts *ArtifactClient
	Builds    *BuildClient
	Registry  *Registry
	Zips      *remotezip.Cache
	Cache     *DiskCache // optional

	// ProxyPrefix and Referrer are passed through to ranged archive reads,
	// for callers without direct egress to the upstream firmware hosts.
	ProxyPrefix string
	Referrer    string
	Client      *http.Client
}

func NewResolver(catalog *Catalog, artifacts *ArtifactClient, builds *BuildClient, registry *Registry) *Resolver {
	return &Resolver{
		Catalog:   catalog,
		Artifacts: artifacts,
		Builds:    builds,
		Registry:  registry,
		Zips:      remotezip.NewCache(),
		Client:    http.DefaultClient,
	}
}

func (r *Resolver) source(url string) *fetch.Source {
	opts := []fetch.Option{fetch.WithClient(r.Client)}
	if r.ProxyPrefix != "" {
		opts = append(opts, fetch.WithProxyPrefix(r.ProxyPrefix))
	}
	if r.Referrer != "" {
		opts = append(opts, fetch.WithReferrer(r.Referrer))
	}
	return fetch.New(url, opts...)
}

func (r *Resolver) extract(ctx context.Context, archiveURL, target string) ([]byte, error) {
	ix, err := r.Zips.Index(ctx, r.source(archiveURL))
	if err != nil {
		return nil, err
	}
	return ix.Extract(ctx, target)
}

// Resolve produces the firmware binary for desc, or a typed failure.
func (r *Resolver) Resolve(ctx context.Context, desc Descriptor, ev Events) ([]byte, error) {
	if data, ok := r.cacheGet(desc); ok {
		return data, nil
	}

	var data []byte
	var err error
	switch desc.Source {
	case SourceReleases:
		if r.Catalog == nil {
			return nil, fmt.Errorf("%w: no release catalog configured", fetch.ErrSourceUnavailable)
		}
		var archiveURL string
		archiveURL, err = r.Catalog.ArchiveURL(ctx, desc.Version)
		if err == nil {
			slog.Info("Extracting release asset", "version", desc.Version, "target", desc.Target)
			data, err = r.extract(ctx, archiveURL, desc.Target)
		}
	case SourcePRBuild:
		if r.Artifacts == nil {
			return nil, fmt.Errorf("%w: no artifact service configured", fetch.ErrSourceUnavailable)
		}
		var bundleURL string
		bundleURL, err = r.Artifacts.BundleURL(ctx, desc.Version)
		if err == nil {
			slog.Info("Extracting CI artifact", "version", desc.Version, "target", desc.Target)
			data, err = r.extract(ctx, bundleURL, desc.Target)
		}
	case SourceCloudBuild:
		if r.Builds == nil {
			return nil, fmt.Errorf("%w: no build service configured", fetch.ErrSourceUnavailable)
		}
		ev.buildStarted()
		var id, artifactURL string
		id, err = r.Builds.Submit(ctx, desc)
		if err == nil {
			slog.Info("Build submitted", "id", id, "target", desc.Target)
			artifactURL, err = r.Builds.Wait(ctx, id)
		}
		if err == nil {
			ev.buildDone()
			data, err = r.Builds.Download(ctx, artifactURL, ev.Progress)
		}
	case SourceFile:
		// Target doubles as the registry key for local files.
		data, err = r.Registry.Get(desc.Target)
	default:
		err = fmt.Errorf("unknown firmware source %q", desc.Source)
	}
	if err != nil {
		return nil, err
	}

	r.cachePut(desc, data)
	return data, nil
}

func (r *Resolver) cacheGet(desc Descriptor) ([]byte, bool) {
	if r.Cache == nil {
		return nil, false
	}
	return r.Cache.Get(desc)
}

func (r *Resolver) cachePut(desc Descriptor, data []byte) {
	if r.Cache != nil {
		r.Cache.Put(desc, data)
	}
}
