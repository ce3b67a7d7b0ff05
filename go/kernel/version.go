package kernel

import "fmt"

// Version tags the on-disk format of the storage engine. It travels in every
// checkpoint record so that recovery can detect version drift between the
// engine which wrote the record and the engine replaying it.
type Version uint8

// VersionProvider exposes the format version the engine is currently writing.
type VersionProvider interface {
	KernelVersion() Version
}

func (v Version) String() string { return fmt.Sprintf("V%d", uint8(v)) }

// StaticVersion is a VersionProvider pinned to a single Version.
type StaticVersion Version

func (s StaticVersion) KernelVersion() Version { return Version(s) }
