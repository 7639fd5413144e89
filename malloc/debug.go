//go:build debug
// +build debug

package malloc

// debugmode default for "debug" and "abort" settings.
const debugmode = true
