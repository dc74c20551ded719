package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParameters_SetKeepsInsertionOrder(t *testing.T) {
	p := NewParameters()
	p.Set("b", "1")
	p.Set("a", "2")
	p.Set("b", "3")

	assert.Equal(t, 2, p.Len())
	assert.Equal(t, []Param{{"b", "3"}, {"a", "2"}}, p.Pairs())

	v, ok := p.Get("b")
	assert.True(t, ok)
	assert.Equal(t, "3", v)

	_, ok = p.Get("missing")
	assert.False(t, ok)
}

func TestParameters_Encode(t *testing.T) {
	p := NewParameters()
	p.Set("zeta", "a b")
	p.Set("alpha", "x&y")

	got := p.Encode(Param{Key: "device_data", Value: `{"k":"v"}`})
	assert.Equal(t, "zeta=a+b&alpha=x%26y&device_data=%7B%22k%22%3A%22v%22%7D", got)
}

func TestParameters_JSONPreservesOrder(t *testing.T) {
	p := NewParameters()
	p.Set("z", "1")
	p.Set("y", "2")

	data, err := json.Marshal(p)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"k":"z","v":"1"},{"k":"y","v":"2"}]`, string(data))

	var decoded Parameters
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, p.Pairs(), decoded.Pairs())
}

func TestParameters_UnmarshalRejectsDuplicates(t *testing.T) {
	var p Parameters
	err := json.Unmarshal([]byte(`[{"k":"a","v":"1"},{"k":"a","v":"2"}]`), &p)
	assert.Error(t, err)
}

func TestParameters_CloneIsIndependent(t *testing.T) {
	p := NewParameters()
	p.Set("a", "1")

	c := p.Clone()
	c.Set("a", "2")

	v, _ := p.Get("a")
	assert.Equal(t, "1", v)
}

func TestParameters_NilSafe(t *testing.T) {
	var p *Parameters
	assert.Equal(t, 0, p.Len())
	assert.Equal(t, "", p.Encode())
	data, err := p.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, "[]", string(data))
}

func TestActivityPackage_Messages(t *testing.T) {
	pkg := &ActivityPackage{Kind: KindEvent, Path: PathEvent, Suffix: " 'abc123'", ID: "id1"}
	assert.Equal(t, "Tracked event 'abc123'", pkg.SuccessMessage())
	assert.Equal(t, "Failed to track event 'abc123'", pkg.FailureMessage())
	assert.Equal(t, "/event 'abc123' (id1)", pkg.String())
	assert.NoError(t, pkg.Validate())

	session := &ActivityPackage{Kind: KindSession, Path: PathSession}
	assert.Equal(t, "Tracked session", session.SuccessMessage())
}

func TestActivityPackage_Validate(t *testing.T) {
	assert.ErrorIs(t, (&ActivityPackage{Kind: "bogus", Path: "/x"}).Validate(), ErrUnknownKind)
	assert.ErrorIs(t, (&ActivityPackage{Kind: KindSession}).Validate(), ErrMissingPath)
}

func TestFingerprint_UserAgent(t *testing.T) {
	f := Fingerprint{
		PackageName: "com.example", AppVersion: "1.0", DeviceType: "server", DeviceModel: "box",
		OSName: "linux", OSVersion: "6.1", Language: "en", Country: "US",
		ScreenSize: "unknown", ScreenFormat: "unknown", ScreenDensity: "unknown",
		DisplayWidth: "0", DisplayHeight: "0",
	}
	assert.Equal(t, "com.example 1.0 server box linux 6.1 en US unknown unknown unknown 0 0", f.UserAgent())
	assert.Equal(t, "box", f.DeviceData()["device_name"])
	assert.NotContains(t, f.DeviceData(), "mac_sha1")
}
