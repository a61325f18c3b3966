// Package storage defines the file-system abstraction used for the book
// library and per-session code workspaces.
package storage

// Provider is the interface for rooted file operations. Both the read-only
// book library and the writable session workspace are Providers over
// different roots.
type Provider interface {
	// Root returns the absolute root directory.
	Root() string
	// List returns metadata for every file with the given extension under
	// dir (relative to root).
	List(dir, ext string) ([]FileInfo, error)
	// Read returns the raw bytes of the file at path (relative to root).
	Read(path string) ([]byte, error)
	// Write atomically writes content to path (relative to root).
	Write(path string, content []byte) error
	// Abs resolves path against the root, rejecting traversal.
	Abs(path string) (string, error)
}

// Verify *FS satisfies Provider at compile time.
var _ Provider = (*FS)(nil)
