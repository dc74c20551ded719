// Package fingerprint collects the device attributes and identity hashes
// reported with every activity package.
package fingerprint

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"strings"
	"unicode"

	"github.com/shirou/gopsutil/v3/host"
	psnet "github.com/shirou/gopsutil/v3/net"

	"github.com/beacon-sdk/beacon/pkg/types"
)

const (
	unknown      = "unknown"
	unknownShort = "zz"
)

// Provider returns the fingerprint of the current device.
type Provider interface {
	Fingerprint(ctx context.Context) (types.Fingerprint, error)
}

// StaticProvider returns a fixed fingerprint.
type StaticProvider struct {
	Value types.Fingerprint
	Err   error
}

// Fingerprint implements Provider.
func (s StaticProvider) Fingerprint(context.Context) (types.Fingerprint, error) {
	return s.Value, s.Err
}

// HostProvider derives the fingerprint from the host it runs on.
type HostProvider struct {
	packageName string
	appVersion  string
	referrer    string

	hostInfo   func(ctx context.Context) (*host.InfoStat, error)
	interfaces func(ctx context.Context) (psnet.InterfaceStatList, error)
	locale     func() string
}

// NewHostProvider creates a provider for the given application metadata.
func NewHostProvider(packageName, appVersion, referrer string) *HostProvider {
	return &HostProvider{
		packageName: packageName,
		appVersion:  appVersion,
		referrer:    referrer,
		hostInfo:    host.InfoWithContext,
		interfaces:  psnet.InterfacesWithContext,
		locale:      envLocale,
	}
}

// Fingerprint implements Provider. A failing host lookup yields an error
// together with a fingerprint that has every device field set to unknown.
func (p *HostProvider) Fingerprint(ctx context.Context) (types.Fingerprint, error) {
	lang, country := splitLocale(p.locale())
	fp := types.Fingerprint{
		PackageName:     sanitize(p.packageName, unknown),
		AppVersion:      sanitize(p.appVersion, unknown),
		DeviceType:      unknown,
		DeviceModel:     unknown,
		OSName:          unknown,
		OSVersion:       unknown,
		Language:        sanitize(lang, unknownShort),
		Country:         sanitize(country, unknownShort),
		ScreenSize:      unknown,
		ScreenFormat:    unknown,
		ScreenDensity:   unknown,
		DisplayWidth:    unknown,
		DisplayHeight:   unknown,
		InstallReferrer: p.referrer,
	}

	info, err := p.hostInfo(ctx)
	if err != nil {
		return fp, fmt.Errorf("host info: %w", err)
	}
	fp.DeviceType = deviceType(info.VirtualizationRole)
	fp.DeviceModel = sanitize(info.Platform, unknown)
	fp.OSName = sanitize(info.OS, unknown)
	fp.OSVersion = sanitize(info.PlatformVersion, unknown)
	fp.HardwareID = info.HostID

	ifaces, err := p.interfaces(ctx)
	if err != nil {
		return fp, fmt.Errorf("network interfaces: %w", err)
	}
	if mac := pickHardwareAddr(ifaces); mac != "" {
		fp.HashedHardwareID, fp.ShortHashedHardwareID = HashHardwareAddr(mac)
	}

	return fp, nil
}

// HashHardwareAddr returns the SHA-1 of the upper-case address and the MD5
// of the upper-case address without colons, both hex encoded.
func HashHardwareAddr(mac string) (sha1Hex, md5Hex string) {
	upper := strings.ToUpper(strings.TrimSpace(mac))
	short := strings.ReplaceAll(upper, ":", "")

	s := sha1.Sum([]byte(upper))
	m := md5.Sum([]byte(short))
	return hex.EncodeToString(s[:]), hex.EncodeToString(m[:])
}

// pickHardwareAddr prefers wlan0, then eth0, then the first non-loopback
// interface by name that has an address.
func pickHardwareAddr(ifaces psnet.InterfaceStatList) string {
	byName := make(map[string]string, len(ifaces))
	var names []string
	for _, iface := range ifaces {
		if iface.HardwareAddr == "" || isLoopback(iface.Flags) {
			continue
		}
		byName[iface.Name] = iface.HardwareAddr
		names = append(names, iface.Name)
	}
	for _, preferred := range []string{"wlan0", "eth0"} {
		if mac, ok := byName[preferred]; ok {
			return mac
		}
	}
	if len(names) == 0 {
		return ""
	}
	sort.Strings(names)
	return byName[names[0]]
}

func isLoopback(flags []string) bool {
	for _, f := range flags {
		if f == "loopback" {
			return true
		}
	}
	return false
}

func deviceType(virtualizationRole string) string {
	switch virtualizationRole {
	case "guest":
		return "virtual"
	case "host", "":
		return "physical"
	default:
		return unknown
	}
}

func envLocale() string {
	for _, key := range []string{"LC_ALL", "LC_MESSAGES", "LANG"} {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return ""
}

// splitLocale splits "en_US.UTF-8" into "en" and "US".
func splitLocale(locale string) (lang, country string) {
	if i := strings.IndexAny(locale, ".@"); i >= 0 {
		locale = locale[:i]
	}
	if locale == "C" || locale == "POSIX" {
		return "", ""
	}
	lang, country, _ = strings.Cut(locale, "_")
	if country == "" {
		lang, country, _ = strings.Cut(locale, "-")
	}
	return lang, country
}

// sanitize removes whitespace and replaces an empty result with fallback.
func sanitize(s, fallback string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
	if s == "" {
		return fallback
	}
	return s
}
