// Package vfs is the VFS external collaborator, referenced only by
// interface elsewhere. Opener is that interface; FileOpener is a real,
// fsnotify-backed implementation used by the execv driver's "open the
// executable" step.
package vfs

import "io"

// File is an open executable, readable at arbitrary offsets (debug/elf
// needs io.ReaderAt) and closable.
type File interface {
	io.ReaderAt
	io.Closer
	Name() string
}

// Opener resolves a path to an open File.
type Opener interface {
	Open(path string) (File, error)
}
