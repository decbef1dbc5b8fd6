//go:build !(darwin || linux || freebsd || windows)

package plugin

import (
	"errors"
	"runtime"
)

var errNativeUnsupported = errors.New("native plugins are not supported on " + runtime.GOOS)

func openLibrary(string) (uintptr, error) { return 0, errNativeUnsupported }

func lookupSymbol(uintptr, string) (uintptr, error) { return 0, errNativeUnsupported }

func closeLibrary(uintptr) error { return nil }
