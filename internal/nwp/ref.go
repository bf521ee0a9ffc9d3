package nwp

import (
	"time"
)

// FileReference identifies one raw remote file. Locators create them,
// fetchers consume them; the struct never changes after creation.
type FileReference struct {
	// Provider is the owning provider's registry name.
	Provider string

	// Name is the file's basename, unique per provider and init time.
	// It doubles as the staging cache key component.
	Name string

	// URL is the full download locator, query string included.
	URL string

	// InitTime is the forecast run this file belongs to.
	InitTime time.Time

	// StepHours is the forecast lead this file covers, or StepAll when the
	// file packs several steps.
	StepHours int

	// Size is the expected byte count, 0 when the provider does not say.
	Size int64
}

// StepAll marks a reference whose file spans multiple forecast steps.
const StepAll = -1

// Key returns the staging cache key for this reference. Keys are scoped by
// provider and init time so different runs of the same filename never
// collide.
func (r FileReference) Key() string {
	return r.Provider + "/" + r.InitTime.UTC().Format("20060102T1504") + "/" + r.Name
}

// StagedFile is a fetched raw file sitting in the staging cache.
type StagedFile struct {
	// Ref is the reference this file was fetched from.
	Ref FileReference

	// Path is the local filesystem path decoders read.
	Path string

	// Size is the staged byte count.
	Size int64

	// Checksum is the CRC-32C of the staged bytes.
	Checksum uint32

	// FetchedAt records when staging completed.
	FetchedAt time.Time
}
