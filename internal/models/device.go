package models

import "time"

// Platform identifies the kind of client installation.
type Platform string

const (
	PlatformWeb     Platform = "web"
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
	PlatformDesktop Platform = "desktop"
)

// Valid reports whether p is a known platform.
func (p Platform) Valid() bool {
	switch p {
	case PlatformWeb, PlatformIOS, PlatformAndroid, PlatformDesktop:
		return true
	}
	return false
}

// Capabilities lists what the installation can do.
type Capabilities struct {
	Offline           bool `json:"offline"`
	PushNotifications bool `json:"pushNotifications"`
	FileSystem        bool `json:"fileSystem"`
	Camera            bool `json:"camera"`
	Biometrics        bool `json:"biometrics"`
}

// DeviceInfo is the identity and capability profile of one installation.
type DeviceInfo struct {
	DeviceID     string       `json:"deviceId"`
	Platform     Platform     `json:"platform"`
	Capabilities Capabilities `json:"capabilities"`
	LastSeen     time.Time    `json:"lastSeen"`
	IsActive     bool         `json:"isActive"`
}
