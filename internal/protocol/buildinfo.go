package protocol

import (
	"strings"

	"github.com/kallberg/pdt/internal/version"
)

// BuildInfo describes the build of a peer. Only the major and minor
// version take part in compatibility checks.
type BuildInfo struct {
	VersionMajor string `cbor:"1,keyasint" json:"version_major"`
	VersionMinor string `cbor:"2,keyasint" json:"version_minor"`
	VersionPatch string `cbor:"3,keyasint" json:"version_patch"`
	VersionPre   string `cbor:"4,keyasint" json:"version_pre"`
	Target       string `cbor:"5,keyasint" json:"target"`
	Host         string `cbor:"6,keyasint" json:"host"`
	Profile      string `cbor:"7,keyasint" json:"profile"`
}

// Compatible reports whether two builds may talk to each other.
func (b BuildInfo) Compatible(other BuildInfo) bool {
	return b.VersionMajor == other.VersionMajor && b.VersionMinor == other.VersionMinor
}

// Version formats the semantic version, e.g. "1.2.3-rc1".
func (b BuildInfo) Version() string {
	v := b.VersionMajor + "." + b.VersionMinor + "." + b.VersionPatch
	if b.VersionPre != "" {
		v += "-" + b.VersionPre
	}
	return v
}

// LocalBuildInfo returns the build info of the running binary.
func LocalBuildInfo() BuildInfo {
	info := ParseVersion(version.Version)
	info.Target = version.Target
	info.Host = version.Host
	info.Profile = version.Profile
	return info
}

// ParseVersion splits a "MAJOR.MINOR.PATCH[-PRE][+META]" string into
// build info version fields. Missing components are left as "0";
// build metadata is dropped.
func ParseVersion(v string) BuildInfo {
	v = strings.TrimPrefix(strings.TrimSpace(v), "v")
	if i := strings.IndexByte(v, '+'); i >= 0 {
		v = v[:i]
	}

	var info BuildInfo
	if i := strings.IndexByte(v, '-'); i >= 0 {
		info.VersionPre = v[i+1:]
		v = v[:i]
	}

	parts := strings.SplitN(v, ".", 3)
	for len(parts) < 3 {
		parts = append(parts, "0")
	}
	for i, p := range parts {
		if p == "" {
			parts[i] = "0"
		}
	}
	info.VersionMajor, info.VersionMinor, info.VersionPatch = parts[0], parts[1], parts[2]
	return info
}
