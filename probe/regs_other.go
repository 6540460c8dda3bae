//go:build !amd64 && !arm64

package probe

var argOffsets []int16
