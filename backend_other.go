//go:build !((linux || darwin || windows) && (amd64 || arm64))

package guestmem

func newPlatformBackend() Backend {
	return unsupportedBackend{}
}
