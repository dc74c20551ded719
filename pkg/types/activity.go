package types

import (
	"fmt"
	"strings"
	"time"
)

// ActivityKind identifies what an activity package reports.
type ActivityKind string

const (
	KindSession ActivityKind = "session"
	KindEvent   ActivityKind = "event"
	KindRevenue ActivityKind = "revenue"
)

// Collector paths per activity kind.
const (
	PathSession = "/startup"
	PathEvent   = "/event"
	PathRevenue = "/revenue"
)

// ActivityPackage is one immutable unit of outbound tracking data.
// Packages are built by the package builder and owned by the outbox until
// they are sent or dropped.
type ActivityPackage struct {
	ID          string       `json:"id"`
	Kind        ActivityKind `json:"kind"`
	Path        string       `json:"path"`
	Parameters  *Parameters  `json:"parameters"`
	ClientSDK   string       `json:"client_sdk"`
	UserAgent   string       `json:"user_agent"`
	Environment string       `json:"environment"`
	// DeviceData is sent as the JSON encoded device_data form field.
	DeviceData map[string]string `json:"device_data,omitempty"`
	// Suffix is appended to the display strings, e.g. " 'abc123'".
	Suffix    string    `json:"suffix"`
	CreatedAt time.Time `json:"created_at"`
}

// Name is the human readable kind used in log messages.
func (p *ActivityPackage) Name() string {
	return string(p.Kind)
}

// SuccessMessage is logged when the collector accepted the package.
func (p *ActivityPackage) SuccessMessage() string {
	return fmt.Sprintf("Tracked %s%s", p.Name(), p.Suffix)
}

// FailureMessage is logged when the package could not be delivered.
func (p *ActivityPackage) FailureMessage() string {
	return fmt.Sprintf("Failed to track %s%s", p.Name(), p.Suffix)
}

// String implements fmt.Stringer.
func (p *ActivityPackage) String() string {
	return fmt.Sprintf("%s%s (%s)", p.Path, p.Suffix, p.ID)
}

// Fingerprint holds the device and environment attributes reported with
// every package. It is collected once per process.
type Fingerprint struct {
	PackageName           string `json:"package_name"`
	AppVersion            string `json:"app_version"`
	DeviceType            string `json:"device_type"`
	DeviceModel           string `json:"device_name"`
	OSName                string `json:"os_name"`
	OSVersion             string `json:"os_version"`
	Language              string `json:"language"`
	Country               string `json:"country"`
	ScreenSize            string `json:"screen_size"`
	ScreenFormat          string `json:"screen_format"`
	ScreenDensity         string `json:"screen_density"`
	DisplayWidth          string `json:"display_width"`
	DisplayHeight         string `json:"display_height"`
	HashedHardwareID      string `json:"mac_sha1"`
	ShortHashedHardwareID string `json:"mac_md5"`
	HardwareID            string `json:"hardware_id"`
	InstallReferrer       string `json:"referrer"`
}

// DeviceData returns the device attributes sent as the device_data field.
// Identity hashes and the referrer are not part of it.
func (f Fingerprint) DeviceData() map[string]string {
	return map[string]string{
		"package_name":   f.PackageName,
		"app_version":    f.AppVersion,
		"device_type":    f.DeviceType,
		"device_name":    f.DeviceModel,
		"os_name":        f.OSName,
		"os_version":     f.OSVersion,
		"language":       f.Language,
		"country":        f.Country,
		"screen_size":    f.ScreenSize,
		"screen_format":  f.ScreenFormat,
		"screen_density": f.ScreenDensity,
		"display_width":  f.DisplayWidth,
		"display_height": f.DisplayHeight,
	}
}

// UserAgent joins the device attributes with single spaces.
func (f Fingerprint) UserAgent() string {
	parts := []string{
		f.PackageName, f.AppVersion, f.DeviceType, f.DeviceModel,
		f.OSName, f.OSVersion, f.Language, f.Country,
		f.ScreenSize, f.ScreenFormat, f.ScreenDensity,
		f.DisplayWidth, f.DisplayHeight,
	}
	return strings.Join(parts, " ")
}
