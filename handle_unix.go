//go:build unix

package fiberloop

// Handle is the OS object wrapped by a Pollable: a file descriptor on Unix
// platforms.
type Handle = int
