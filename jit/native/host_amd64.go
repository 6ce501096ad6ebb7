//go:build amd64 && !windows

package native

const hostSupported = true
