// Package common defines the constants used by the project
package common

import log "github.com/sirupsen/logrus"

const (
	// TEXTDOMAIN is the gettext domain for l10n.
	TEXTDOMAIN = `tap-windows`

	// DefaultLogLevel is the default logging level selected without any option.
	DefaultLogLevel = log.WarnLevel

	// UserProfileDir is the relative path name used to look for the CLI configuration file.
	//  ${env:UserProfile}/{UserProfileDir}
	UserProfileDir = ".tapctl"

	// DefaultComponentID is the hardware ID declared by the tap-windows6 driver package.
	DefaultComponentID = "tap0901"

	// EnvPrefix prefixes the environment variables that override the CLI configuration.
	EnvPrefix = "TAPCTL"
)
