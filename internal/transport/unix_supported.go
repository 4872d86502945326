//go:build !plan9 && !js && !wasip1

package transport

const unixSupported = true
