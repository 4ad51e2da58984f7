package common

import (
	_ "embed"
	"strings"
)

//go:embed version
var version string

// Version is the version number of the tap-windows tooling.
var Version = strings.TrimSpace(version)
