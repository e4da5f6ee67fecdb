package kitbuilder

import "errors"

var (
	ErrUnsupportedArch       = errors.New("unsupported architecture")
	ErrNoPackages            = errors.New("no package groups declared")
	ErrEmptyLayer            = errors.New("no files left to pack after filtering")
	ErrMissingSDK            = errors.New("external kit metadata has no sdk")
	ErrEmptyExternalMetadata = errors.New("external kit metadata has no entries")
	ErrDependencyCycle       = errors.New("kit depends on itself")
	ErrVersionConflict       = errors.New("multiple versions of the same kit")
	ErrArchiveExists         = errors.New("a different kit archive already exists at the output path")
	ErrDigestMismatch        = errors.New("blob content does not match its digest")
	ErrNotKit                = errors.New("image carries no kit metadata")
)
