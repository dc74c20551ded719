package builder

import (
	"encoding/base64"
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	beaconerrors "github.com/beacon-sdk/beacon/internal/errors"
	"github.com/beacon-sdk/beacon/pkg/types"
)

func general(b *PackageBuilder) *PackageBuilder {
	b.AppToken = "abc123"
	b.MacSha1 = "sha"
	b.MacMD5 = "md5"
	b.Environment = "sandbox"
	b.ClientSDK = "go1.0.0"
	b.UserAgent = "ua"
	b.DeviceData = map[string]string{"os_name": "linux"}
	return b
}

func keys(p *types.Parameters) []string {
	var out []string
	p.Each(func(k, _ string) { out = append(out, k) })
	return out
}

func TestBuildSessionPackage_FirstSession(t *testing.T) {
	b := general(New())
	b.Referrer = "utm_source=x"
	b.SessionCount = 1
	b.SubsessionCount = 1
	b.SessionLength = 0
	b.TimeSpent = 0
	b.CreatedAt = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	pkg := b.BuildSessionPackage()
	require.NoError(t, pkg.Validate())

	assert.Equal(t, types.KindSession, pkg.Kind)
	assert.Equal(t, types.PathSession, pkg.Path)
	assert.Equal(t, "Tracked session", pkg.SuccessMessage())
	assert.Equal(t, "go1.0.0", pkg.ClientSDK)
	assert.Equal(t, "linux", pkg.DeviceData["os_name"])

	_, err := uuid.Parse(pkg.ID)
	assert.NoError(t, err)

	assert.Equal(t, []string{
		"app_token", "mac_sha1", "mac_md5", "environment", "referrer",
		"created_at", "session_count", "subsession_count", "session_length", "time_spent",
	}, keys(pkg.Parameters), "unset last_interval must be omitted")

	created, _ := pkg.Parameters.Get("created_at")
	assert.Equal(t, "2024-03-01T12:00:00.000Z+0000", created)
}

func TestBuildPackage_BuiltAt(t *testing.T) {
	b := general(New())
	b.EventToken = "tok"
	b.BuiltAt = time.Date(2024, 3, 1, 12, 0, 5, 0, time.UTC)
	assert.Equal(t, b.BuiltAt, b.BuildEventPackage().CreatedAt)

	// without a stamp the wall clock is used
	before := time.Now()
	pkg := general(New()).BuildSessionPackage()
	assert.False(t, pkg.CreatedAt.Before(before))
}

func TestBuildSessionPackage_LastInterval(t *testing.T) {
	b := general(New())
	b.SessionCount = 2
	b.LastInterval = 35 * time.Second

	pkg := b.BuildSessionPackage()
	v, ok := pkg.Parameters.Get("last_interval")
	require.True(t, ok)
	assert.Equal(t, "35", v)
}

func TestBuildEventPackage(t *testing.T) {
	b := general(New())
	b.EventToken = "tok"
	b.EventCount = 3
	b.SessionLength = 1499 * time.Millisecond
	b.CallbackParams = map[string]string{"key": "value"}
	b.Referrer = "ignored"

	require.NoError(t, b.IsValidForEvent())
	pkg := b.BuildEventPackage()

	assert.Equal(t, types.KindEvent, pkg.Kind)
	assert.Equal(t, types.PathEvent, pkg.Path)
	assert.Equal(t, "Failed to track event 'tok'", pkg.FailureMessage())

	count, _ := pkg.Parameters.Get("event_count")
	assert.Equal(t, "3", count)
	length, _ := pkg.Parameters.Get("session_length")
	assert.Equal(t, "1", length)
	_, hasReferrer := pkg.Parameters.Get("referrer")
	assert.False(t, hasReferrer)

	encoded, ok := pkg.Parameters.Get("params")
	require.True(t, ok)
	raw, err := base64.StdEncoding.DecodeString(encoded)
	require.NoError(t, err)
	var decoded map[string]string
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "value", decoded["key"])
}

func TestBuildEventPackage_Revenue(t *testing.T) {
	b := general(New())
	b.EventToken = "tok"
	b.SetAmountInCents(12.5)

	require.NoError(t, b.IsValidForRevenue())
	pkg := b.BuildEventPackage()

	assert.Equal(t, types.KindRevenue, pkg.Kind)
	assert.Equal(t, types.PathRevenue, pkg.Path)
	amount, _ := pkg.Parameters.Get("amount")
	assert.Equal(t, "13", amount)
	assert.Equal(t, "Tracked revenue (13 cent, 'tok')", pkg.SuccessMessage())
}

func TestValidation(t *testing.T) {
	b := New()
	err := b.IsValidForEvent()
	assert.Equal(t, beaconerrors.CodeMissingEventToken, beaconerrors.GetCode(err))

	for _, amount := range []float64{-1, math.NaN(), math.Inf(1)} {
		b := New()
		b.EventToken = "tok"
		b.SetAmountInCents(amount)
		err := b.IsValidForRevenue()
		assert.Equal(t, beaconerrors.CodeInvalidAmount, beaconerrors.GetCode(err), "%v", amount)
	}

	b = New()
	b.SetAmountInCents(0)
	assert.Equal(t, beaconerrors.CodeMissingEventToken, beaconerrors.GetCode(b.IsValidForRevenue()))

	b = New()
	b.EventToken = "tok"
	assert.Equal(t, beaconerrors.CodeInvalidAmount, beaconerrors.GetCode(b.IsValidForRevenue()),
		"revenue without an amount")
}

func TestPackageIDsAreUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		pkg := general(New()).BuildSessionPackage()
		assert.False(t, seen[pkg.ID])
		seen[pkg.ID] = true
	}
}
