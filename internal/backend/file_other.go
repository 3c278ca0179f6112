//go:build !linux

package backend

// O_DIRECT is not portable; other platforms fall back to buffered I/O.
const directFlag = 0
