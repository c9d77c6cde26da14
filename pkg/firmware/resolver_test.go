package firmware

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/ulikunitz/xz"

	"github.com/openpod/flashd/pkg/fetch"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	id := r.Register([]byte{1, 2, 3, 4, 5, 6, 7})

	data, err := r.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(data) != 7 {
		t.Errorf("expected 7 bytes, got %d", len(data))
	}

	// Same id resolves again: entries survive a retried flash.
	if _, err := r.Get(id); err != nil {
		t.Errorf("second Get: %v", err)
	}

	r.Evict(id)
	if _, err := r.Get(id); !errors.Is(err, ErrFirmwareNotRegistered) {
		t.Errorf("expected ErrFirmwareNotRegistered after evict, got %v", err)
	}
}

func TestResolveFile(t *testing.T) {
	reg := NewRegistry()
	id := reg.Register([]byte("exactly7"))
	r := NewResolver(nil, nil, nil, reg)

	data, err := r.Resolve(context.Background(), Descriptor{Source: SourceFile, Target: id}, Events{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if string(data) != "exactly7" {
		t.Errorf("wrong buffer: %q", data)
	}

	_, err = r.Resolve(context.Background(), Descriptor{Source: SourceFile, Target: "missing"}, Events{})
	if !errors.Is(err, ErrFirmwareNotRegistered) {
		t.Errorf("expected ErrFirmwareNotRegistered, got %v", err)
	}
}

func TestResolveUnconfiguredSources(t *testing.T) {
	// Only the local registry is wired up; every remote source must fail
	// cleanly instead of assuming a client exists.
	r := NewResolver(nil, nil, nil, NewRegistry())
	for _, desc := range []Descriptor{
		{Source: SourceReleases, Target: "osos.bin", Version: "current"},
		{Source: SourcePRBuild, Target: "nano5g.bin", Version: "412@3fe9a10"},
		{Source: SourceCloudBuild, Target: "nano5g", Version: "main"},
	} {
		_, err := r.Resolve(context.Background(), desc, Events{})
		if !errors.Is(err, fetch.ErrSourceUnavailable) {
			t.Errorf("Resolve(%s): expected ErrSourceUnavailable, got %v", desc.Source, err)
		}
	}
}

// serveArchive serves a zip with one firmware entry, with Range support.
func serveArchive(t *testing.T, entryName string, payload []byte) *httptest.Server {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create(entryName)
	if err != nil {
		t.Fatalf("zip create: %v", err)
	}
	w.Write(payload)
	zw.Close()
	archive := buf.Bytes()

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", strconv.Itoa(len(archive)))
			return
		}
		rng := strings.TrimPrefix(r.Header.Get("Range"), "bytes=")
		parts := strings.SplitN(rng, "-", 2)
		start, _ := strconv.Atoi(parts[0])
		end, _ := strconv.Atoi(parts[1])
		if end >= len(archive) {
			end = len(archive) - 1
		}
		w.WriteHeader(http.StatusPartialContent)
		w.Write(archive[start : end+1])
	}))
}

func TestResolveReleases(t *testing.T) {
	payload := bytes.Repeat([]byte("RELEASE"), 512)
	archiveSrv := serveArchive(t, "osos.bin", payload)
	defer archiveSrv.Close()

	catalogSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>
<plist version="1.0"><dict>
	<key>CurrentVersion</key><string>1.2</string>
	<key>Releases</key><dict>
		<key>1.2</key><dict><key>ArchiveURL</key><string>%s/fw.zip</string></dict>
	</dict>
</dict></plist>`, archiveSrv.URL)
	}))
	defer catalogSrv.Close()

	r := NewResolver(NewCatalog(catalogSrv.URL), nil, nil, NewRegistry())
	for _, version := range []string{"1.2", "current"} {
		data, err := r.Resolve(context.Background(), Descriptor{
			Source:  SourceReleases,
			Target:  "osos.bin",
			Version: version,
		}, Events{})
		if err != nil {
			t.Fatalf("Resolve(%q): %v", version, err)
		}
		if !bytes.Equal(data, payload) {
			t.Errorf("Resolve(%q): wrong payload", version)
		}
	}
}

func TestResolvePRBuild(t *testing.T) {
	payload := []byte("pr build payload")
	archiveSrv := serveArchive(t, "nano5g.bin", payload)
	defer archiveSrv.Close()

	ciSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("pr") != "412" || r.URL.Query().Get("commit") != "3fe9a10" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"archive_url": archiveSrv.URL + "/bundle.zip"})
	}))
	defer ciSrv.Close()

	r := NewResolver(nil, NewArtifactClient(ciSrv.URL), nil, NewRegistry())
	data, err := r.Resolve(context.Background(), Descriptor{
		Source:  SourcePRBuild,
		Target:  "nano5g.bin",
		Version: "412@3fe9a10",
	}, Events{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !bytes.Equal(data, payload) {
		t.Errorf("wrong payload: %q", data)
	}
}

func TestResolveCloudBuild(t *testing.T) {
	raw := bytes.Repeat([]byte("BUILT"), 4096)
	var xzBuf bytes.Buffer
	xw, err := xz.NewWriter(&xzBuf)
	if err != nil {
		t.Fatalf("xz writer: %v", err)
	}
	xw.Write(raw)
	xw.Close()
	artifact := xzBuf.Bytes()

	polls := 0
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/build":
			json.NewEncoder(w).Encode(map[string]string{"id": "b-1", "status": "pending"})
		case r.URL.Path == "/build/b-1":
			polls++
			st := map[string]string{"id": "b-1", "status": "running"}
			if polls >= 2 {
				st["status"] = "done"
				st["artifact_url"] = srv.URL + "/artifact/fw.bin.xz"
			}
			json.NewEncoder(w).Encode(st)
		case r.URL.Path == "/artifact/fw.bin.xz":
			w.Write(artifact)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	builds := NewBuildClient(srv.URL)
	builds.PollInterval = 0

	var buildStarted, buildDone, progressed bool
	r := NewResolver(nil, nil, builds, NewRegistry())
	data, err := r.Resolve(context.Background(), Descriptor{
		Source:  SourceCloudBuild,
		Target:  "nano5g",
		Version: "main",
		Flags:   []Flag{{Name: "bootloader", Value: "true"}},
	}, Events{
		BuildStarted: func() { buildStarted = true },
		BuildDone:    func() { buildDone = true },
		Progress:     func(current, total int64) { progressed = current > 0 && total > 0 },
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !bytes.Equal(data, raw) {
		t.Errorf("artifact not decompressed correctly")
	}
	if !buildStarted || !buildDone {
		t.Errorf("build events not reported: started=%v done=%v", buildStarted, buildDone)
	}
	if !progressed {
		t.Errorf("no byte-level progress reported for direct download")
	}
}

func TestBuildWaitServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	builds := NewBuildClient(srv.URL)
	builds.PollInterval = 0

	// A poll answered with an error status terminates the wait instead of
	// spinning on empty decoded statuses.
	if _, err := builds.Wait(context.Background(), "b-1"); !errors.Is(err, fetch.ErrSourceUnavailable) {
		t.Errorf("expected ErrSourceUnavailable, got %v", err)
	}
}

func TestDiskCacheRoundTrip(t *testing.T) {
	cache := &DiskCache{Root: t.TempDir()}
	desc := Descriptor{Source: SourceReleases, Target: "osos.bin", Version: "1.2"}

	if _, ok := cache.Get(desc); ok {
		t.Fatalf("empty cache reported a hit")
	}
	cache.Put(desc, []byte("cached"))
	data, ok := cache.Get(desc)
	if !ok || string(data) != "cached" {
		t.Errorf("cache miss after Put: ok=%v data=%q", ok, data)
	}

	// cloudbuild output is never cached.
	cb := Descriptor{Source: SourceCloudBuild, Target: "x", Version: "main"}
	cache.Put(cb, []byte("volatile"))
	if _, ok := cache.Get(cb); ok {
		t.Errorf("cloudbuild descriptor was cached")
	}
}
