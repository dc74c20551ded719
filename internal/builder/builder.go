// Package builder assembles activity packages from session state, event
// data and the device fingerprint.
//
// A PackageBuilder is a scratch object: the session handler creates one per
// trackable action, injects general attributes, the referrer (sessions
// only) and the session or event attributes, then converts it into exactly
// one immutable package.
package builder

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"

	beaconerrors "github.com/beacon-sdk/beacon/internal/errors"
	"github.com/beacon-sdk/beacon/pkg/types"
)

// CreatedAtLayout is the wire format of created_at.
const CreatedAtLayout = "2006-01-02T15:04:05.000Z-0700"

// unset marks counters and durations that were never injected.
const unset = -1

// PackageBuilder accumulates the attributes of one activity package.
type PackageBuilder struct {
	// general attributes
	AppToken       string
	MacSha1        string
	MacMD5         string
	HardwareID     string
	UserAgent      string
	ClientSDK      string
	Environment    string
	DefaultTracker string
	DeviceData     map[string]string

	// BuiltAt stamps the package. The wall clock is used when it is zero.
	BuiltAt time.Time

	// session only
	Referrer string

	// activity state attributes
	SessionCount    int64
	SubsessionCount int64
	EventCount      int64
	CreatedAt       time.Time
	SessionLength   time.Duration
	TimeSpent       time.Duration
	LastInterval    time.Duration

	// event attributes
	EventToken     string
	CallbackParams map[string]string

	amountInCents float64
	hasAmount     bool
}

// New returns a builder with every counter and duration unset.
func New() *PackageBuilder {
	return &PackageBuilder{
		SessionCount:    unset,
		SubsessionCount: unset,
		EventCount:      unset,
		SessionLength:   unset,
		TimeSpent:       unset,
		LastInterval:    unset,
	}
}

// SetAmountInCents marks the package as revenue.
func (b *PackageBuilder) SetAmountInCents(amount float64) {
	b.amountInCents = amount
	b.hasAmount = true
}

// AmountInCents returns the revenue amount rounded to whole cents.
func (b *PackageBuilder) AmountInCents() (int64, bool) {
	if !b.hasAmount {
		return 0, false
	}
	return int64(math.Round(b.amountInCents)), true
}

// IsValidForEvent reports whether an event package can be built.
func (b *PackageBuilder) IsValidForEvent() error {
	if b.EventToken == "" {
		return beaconerrors.NewValidationError(beaconerrors.CodeMissingEventToken, "missing event token")
	}
	return nil
}

// IsValidForRevenue reports whether a revenue package can be built.
func (b *PackageBuilder) IsValidForRevenue() error {
	if !b.hasAmount || math.IsNaN(b.amountInCents) || math.IsInf(b.amountInCents, 0) || b.amountInCents < 0 {
		return beaconerrors.NewValidationError(beaconerrors.CodeInvalidAmount,
			fmt.Sprintf("invalid amount %v", b.amountInCents))
	}
	return b.IsValidForEvent()
}

// BuildSessionPackage converts the builder into a session package.
func (b *PackageBuilder) BuildSessionPackage() *types.ActivityPackage {
	params := b.defaultParameters()
	addString(params, "referrer", b.Referrer)
	b.addStateParameters(params)
	addDuration(params, "last_interval", b.LastInterval)

	return b.newPackage(types.KindSession, types.PathSession, "", params)
}

// BuildEventPackage converts the builder into an event package, or a
// revenue package when an amount was set.
func (b *PackageBuilder) BuildEventPackage() *types.ActivityPackage {
	params := b.defaultParameters()
	b.addStateParameters(params)
	addInt(params, "event_count", b.EventCount)
	addString(params, "event_token", b.EventToken)
	addMap(params, "params", b.CallbackParams)

	cents, revenue := b.AmountInCents()
	if !revenue {
		return b.newPackage(types.KindEvent, types.PathEvent, fmt.Sprintf(" '%s'", b.EventToken), params)
	}

	params.Set("amount", strconv.FormatInt(cents, 10))
	suffix := fmt.Sprintf(" (%d cent, '%s')", cents, b.EventToken)
	return b.newPackage(types.KindRevenue, types.PathRevenue, suffix, params)
}

func (b *PackageBuilder) newPackage(kind types.ActivityKind, path, suffix string, params *types.Parameters) *types.ActivityPackage {
	builtAt := b.BuiltAt
	if builtAt.IsZero() {
		builtAt = time.Now()
	}
	return &types.ActivityPackage{
		ID:          newID(),
		Kind:        kind,
		Path:        path,
		Parameters:  params,
		ClientSDK:   b.ClientSDK,
		UserAgent:   b.UserAgent,
		Environment: b.Environment,
		DeviceData:  b.DeviceData,
		Suffix:      suffix,
		CreatedAt:   builtAt,
	}
}

func (b *PackageBuilder) defaultParameters() *types.Parameters {
	params := types.NewParameters()
	addString(params, "app_token", b.AppToken)
	addString(params, "mac_sha1", b.MacSha1)
	addString(params, "mac_md5", b.MacMD5)
	addString(params, "hardware_id", b.HardwareID)
	addString(params, "environment", b.Environment)
	addString(params, "tracker", b.DefaultTracker)
	return params
}

func (b *PackageBuilder) addStateParameters(params *types.Parameters) {
	addTime(params, "created_at", b.CreatedAt)
	addInt(params, "session_count", b.SessionCount)
	addInt(params, "subsession_count", b.SubsessionCount)
	addDuration(params, "session_length", b.SessionLength)
	addDuration(params, "time_spent", b.TimeSpent)
}

// newID returns a time ordered package id.
func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func addString(params *types.Parameters, key, value string) {
	if value == "" {
		return
	}
	params.Set(key, value)
}

func addInt(params *types.Parameters, key string, value int64) {
	if value < 0 {
		return
	}
	params.Set(key, strconv.FormatInt(value, 10))
}

func addTime(params *types.Parameters, key string, value time.Time) {
	if value.IsZero() {
		return
	}
	params.Set(key, value.Format(CreatedAtLayout))
}

// addDuration sends durations as whole seconds, rounded.
func addDuration(params *types.Parameters, key string, value time.Duration) {
	if value < 0 {
		return
	}
	seconds := (value + 500*time.Millisecond) / time.Second
	params.Set(key, strconv.FormatInt(int64(seconds), 10))
}

// addMap sends the map as base64 encoded JSON.
func addMap(params *types.Parameters, key string, value map[string]string) {
	if len(value) == 0 {
		return
	}
	data, err := json.Marshal(value)
	if err != nil {
		return
	}
	params.Set(key, base64.StdEncoding.EncodeToString(data))
}
