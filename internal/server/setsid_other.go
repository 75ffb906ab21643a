//go:build !unix

package server

// Detach is a no-op where sessions do not exist.
func Detach() error { return nil }
