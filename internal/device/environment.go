// Package device identifies this installation and registers it with the
// coordinator.
package device

import (
	"runtime"

	"github.com/legacyguard/stronghold/backend/internal/models"
)

// EnvironmentDetector reports what kind of installation the engine runs on.
type EnvironmentDetector interface {
	Platform() models.Platform
	Capabilities() models.Capabilities
}

// RuntimeDetector derives the platform from runtime.GOOS. Override, when set,
// takes precedence over detection.
type RuntimeDetector struct {
	Override models.Platform
}

// Platform returns the detected platform.
func (p RuntimeDetector) Platform() models.Platform {
	if p.Override.Valid() {
		return p.Override
	}
	switch runtime.GOOS {
	case "ios":
		return models.PlatformIOS
	case "android":
		return models.PlatformAndroid
	case "js", "wasip1":
		return models.PlatformWeb
	default:
		return models.PlatformDesktop
	}
}

// Capabilities returns the capabilities typical for the detected platform.
func (p RuntimeDetector) Capabilities() models.Capabilities {
	return DefaultCapabilities(p.Platform())
}

// DefaultCapabilities returns the capability profile assumed for a platform.
func DefaultCapabilities(platform models.Platform) models.Capabilities {
	switch platform {
	case models.PlatformIOS, models.PlatformAndroid:
		return models.Capabilities{
			Offline:           true,
			PushNotifications: true,
			FileSystem:        true,
			Camera:            true,
			Biometrics:        true,
		}
	case models.PlatformWeb:
		return models.Capabilities{Offline: true}
	default:
		return models.Capabilities{Offline: true, FileSystem: true}
	}
}

// StaticDetector returns fixed values.
type StaticDetector struct {
	P models.Platform
	C models.Capabilities
}

func (s StaticDetector) Platform() models.Platform         { return s.P }
func (s StaticDetector) Capabilities() models.Capabilities { return s.C }
