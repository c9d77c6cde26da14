package main

import (
	"context"
	"fmt"

	"github.com/openpod/flashd/pkg/devices"
	"github.com/openpod/flashd/pkg/dfu"
	"github.com/openpod/flashd/pkg/firmware"
	"github.com/openpod/flashd/pkg/flashjob"
)

// app bundles the collaborators every command needs: device access, the
// firmware resolver, and the session opener wired into flash jobs.
type app struct {
	cfg      *Config
	enum     *devices.GousbEnumerator
	registry *firmware.Registry
	resolver *firmware.Resolver
}

func newApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	enum, err := devices.NewGousbEnumerator()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize USB: %w", err)
	}

	registry := firmware.NewRegistry()
	var artifacts *firmware.ArtifactClient
	if cfg.ArtifactsURL != "" {
		artifacts = firmware.NewArtifactClient(cfg.ArtifactsURL)
	}
	var builds *firmware.BuildClient
	if cfg.BuildURL != "" {
		builds = firmware.NewBuildClient(cfg.BuildURL)
	}
	resolver := firmware.NewResolver(firmware.NewCatalog(cfg.CatalogURL), artifacts, builds, registry)
	resolver.ProxyPrefix = cfg.ProxyPrefix
	resolver.Referrer = cfg.Referrer
	if cfg.DiskCache {
		resolver.Cache = firmware.NewDiskCache()
	}

	return &app{
		cfg:      cfg,
		enum:     enum,
		registry: registry,
		resolver: resolver,
	}, nil
}

func (a *app) Close() {
	a.enum.Close()
}

func (a *app) openSession(ctx context.Context, info devices.Info) (flashjob.SessionHandle, error) {
	usb, opened, err := a.enum.Open(ctx, info.ID())
	if err != nil {
		return nil, err
	}
	drv, err := dfu.NewDriver(usb)
	if err != nil {
		_ = usb.Close()
		return nil, err
	}
	return dfu.NewSession(drv, usb, opened, a.enum), nil
}

func (a *app) jobDeps() flashjob.Deps {
	return flashjob.Deps{
		Enumerator:  a.enum,
		Resolver:    a.resolver,
		OpenSession: a.openSession,
	}
}

// parseDescriptor turns CLI arguments into a firmware descriptor. Flags are
// name=value pairs.
func parseDescriptor(source, target, version string, flags []string) (firmware.Descriptor, error) {
	desc := firmware.Descriptor{
		Source:  firmware.Source(source),
		Target:  target,
		Version: version,
	}
	if !desc.Source.Valid() {
		return desc, fmt.Errorf("unknown firmware source %q (one of: releases, pr-build, cloudbuild, file)", source)
	}
	for _, raw := range flags {
		name, value, ok := cutFlag(raw)
		if !ok {
			return desc, fmt.Errorf("invalid flag %q, expected name=value", raw)
		}
		desc.Flags = append(desc.Flags, firmware.Flag{Name: name, Value: value})
	}
	return desc, nil
}

func cutFlag(raw string) (string, string, bool) {
	for i := 0; i < len(raw); i++ {
		if raw[i] == '=' {
			return raw[:i], raw[i+1:], i > 0
		}
	}
	return "", "", false
}
