// Package firmware resolves firmware descriptors into binary images, from
// published releases, CI pull-request builds, an external build service, or
// locally registered files.
package firmware

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Source selects where a firmware binary comes from.
type Source string

const (
	SourceReleases   Source = "releases"
	SourcePRBuild    Source = "pr-build"
	SourceCloudBuild Source = "cloudbuild"
	SourceFile       Source = "file"
)

func (s Source) Valid() bool {
	switch s {
	case SourceReleases, SourcePRBuild, SourceCloudBuild, SourceFile:
		return true
	}
	return false
}

// Flag is a named build option passed through to the build service.
type Flag struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Descriptor fully identifies one firmware binary. Immutable once a job
// starts using it.
type Descriptor struct {
	Source  Source `json:"source"`
	Target  string `json:"target"`
	Version string `json:"version"`
	Flags   []Flag `json:"flags,omitempty"`
}

func (d Descriptor) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s/%s@%s", d.Source, d.Target, d.Version)
	for _, f := range d.Flags {
		fmt.Fprintf(&b, ",%s=%s", f.Name, f.Value)
	}
	return b.String()
}

// CacheKey is a stable filesystem-safe key for this descriptor.
func (d Descriptor) CacheKey() string {
	s := sha256.Sum256([]byte(d.String()))
	return hex.EncodeToString(s[:])
}

// FlagValue returns the value of a named flag, or "" if unset.
func (d Descriptor) FlagValue(name string) string {
	for _, f := range d.Flags {
		if f.Name == name {
			return f.Value
		}
	}
	return ""
}
