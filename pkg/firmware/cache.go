package firmware

import (
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/adrg/xdg"
	"github.com/golang/glog"
)

// DiskCache keeps resolved firmware binaries on disk so that re-flashing the
// same immutable descriptor does not re-download it. Only releases and
// pr-build binaries are cached: both are immutable once published, while
// cloudbuild output can change between invocations.
type DiskCache struct {
	Root string
}

func NewDiskCache() *DiskCache {
	return &DiskCache{Root: path.Join(xdg.DataHome, "flashd")}
}

func (c *DiskCache) pathFor(desc Descriptor) string {
	return path.Join(c.Root, fmt.Sprintf("%s-%s.bin", desc.Source, desc.CacheKey()))
}

func (c *DiskCache) cacheable(desc Descriptor) bool {
	return desc.Source == SourceReleases || desc.Source == SourcePRBuild
}

// Get returns the cached binary for desc, if present.
func (c *DiskCache) Get(desc Descriptor) ([]byte, bool) {
	if !c.cacheable(desc) {
		return nil, false
	}
	fspath := c.pathFor(desc)
	if _, err := os.Stat(fspath); err != nil {
		return nil, false
	}
	glog.Infof("Using cached %s at %s", desc, fspath)
	data, err := os.ReadFile(fspath)
	if err != nil {
		glog.Errorf("Could not read cache %s: %v", fspath, err)
		return nil, false
	}
	return data, true
}

// Put stores a resolved binary. Failures are logged and swallowed: the cache
// is an optimization, never a correctness requirement.
func (c *DiskCache) Put(desc Descriptor, data []byte) {
	if !c.cacheable(desc) {
		return
	}
	fspath := c.pathFor(desc)
	os.MkdirAll(filepath.Dir(fspath), 0755)
	if err := os.WriteFile(fspath, data, 0644); err != nil {
		glog.Errorf("Could not write cache %s: %v", fspath, err)
	}
}
