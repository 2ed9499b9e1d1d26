package plugins

import "errors"

var (
	// ErrInvalidManifest covers absent, unparseable, and schema-violating
	// manifests.
	ErrInvalidManifest = errors.New("invalid plugin manifest")

	// ErrArtifactMissing means the platform artifact could not be
	// resolved or opened.
	ErrArtifactMissing = errors.New("plugin artifact missing")

	// ErrEntryPointMissing means the artifact does not export the declared
	// entry point, or exports it with the wrong signature.
	ErrEntryPointMissing = errors.New("plugin entry point missing")

	// ErrAlreadyLoaded marks a rescan hitting a plugin that is already
	// live. Not a failure; unloading is not supported.
	ErrAlreadyLoaded = errors.New("plugin already loaded")
)
