package trace

import (
	"github.com/kolkov/astracer/internal/decoder"
	"github.com/kolkov/astracer/internal/tracechan"
)

// Version information for the tracing toolchain.
const (
	// Version is the current version of astracer, tracer and this package.
	Version = "0.1.0"

	// VersionMajor is the major version number.
	VersionMajor = 0

	// VersionMinor is the minor version number.
	VersionMinor = 1

	// VersionPatch is the patch version number.
	VersionPatch = 0
)

// Info describes the wire formats this build speaks.
type Info struct {
	// Version is the toolchain version string.
	Version string

	// RawTag and CoalescedTag are the channel version tags.
	RawTag       uint32
	CoalescedTag uint32

	// DecoderFormat is the decoder file format version.
	DecoderFormat string
}

// GetInfo returns information about the trace formats.
//
// Example:
//
//	info := trace.GetInfo()
//	fmt.Printf("tracer %s (raw %08x, coalesced %08x)\n", info.Version, info.RawTag, info.CoalescedTag)
func GetInfo() Info {
	return Info{
		Version:       Version,
		RawTag:        tracechan.RawTag,
		CoalescedTag:  tracechan.CoalescedTag,
		DecoderFormat: decoder.FormatVersion,
	}
}
