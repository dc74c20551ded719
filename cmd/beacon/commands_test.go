package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beacon-sdk/beacon/internal/outbox"
	"github.com/beacon-sdk/beacon/internal/state"
	"github.com/beacon-sdk/beacon/pkg/types"
)

type fakeTracker struct {
	calls   []string
	params  map[string]string
	cents   float64
	state   *state.ActivityState
	pending outbox.Snapshot
}

func (f *fakeTracker) OnResume() { f.calls = append(f.calls, "resume") }
func (f *fakeTracker) OnPause()  { f.calls = append(f.calls, "pause") }
func (f *fakeTracker) Flush()    { f.calls = append(f.calls, "flush") }

func (f *fakeTracker) TrackEvent(token string, params map[string]string) {
	f.calls = append(f.calls, "event "+token)
	f.params = params
}

func (f *fakeTracker) TrackRevenue(cents float64, token string, params map[string]string) {
	f.calls = append(f.calls, "revenue "+token)
	f.cents = cents
	f.params = params
}

func (f *fakeTracker) Sync(context.Context) error { return nil }

func (f *fakeTracker) State(context.Context) (*state.ActivityState, error) {
	if f.state == nil {
		return nil, state.ErrNoState
	}
	return f.state, nil
}

func (f *fakeTracker) Pending(context.Context) (outbox.Snapshot, error) {
	return f.pending, nil
}

func runScript(t *testing.T, f *fakeTracker, script string) string {
	t.Helper()
	var out bytes.Buffer
	err := run(context.Background(), f, readLines(strings.NewReader(script)), make(chan struct{}), &out)
	require.NoError(t, err)
	return out.String()
}

func TestRun_Commands(t *testing.T) {
	f := &fakeTracker{}
	out := runScript(t, f, `
# comment
start
event tok k=v other=1
revenue 12.5 rev
end
flush
quit
start
`)
	assert.Empty(t, out)
	assert.Equal(t, []string{"resume", "event tok", "revenue rev", "pause", "flush"}, f.calls)
	assert.Equal(t, 12.5, f.cents)
	assert.Nil(t, f.params)
}

func TestRun_EventParams(t *testing.T) {
	f := &fakeTracker{}
	runScript(t, f, "event tok k=v empty=\n")
	assert.Equal(t, map[string]string{"k": "v", "empty": ""}, f.params)
}

func TestRun_Errors(t *testing.T) {
	f := &fakeTracker{}
	out := runScript(t, f, "bogus\nevent\nrevenue ten tok\nevent tok novalue\n")
	assert.Contains(t, out, `unknown command "bogus"`)
	assert.Contains(t, out, "usage: event")
	assert.Contains(t, out, `invalid amount "ten"`)
	assert.Contains(t, out, `invalid parameter "novalue"`)
	assert.Empty(t, f.calls)
}

func TestRun_StateAndPending(t *testing.T) {
	f := &fakeTracker{}
	out := runScript(t, f, "state\n")
	assert.Equal(t, "no session yet\n", out)

	s := state.New()
	s.SessionCount = 2
	f.state = s
	f.pending = outbox.Snapshot{
		Pending:  []*types.ActivityPackage{{ID: "a", Path: "/startup"}, {ID: "b", Path: "/event", Suffix: " 'tok'"}},
		InFlight: "a",
		Paused:   true,
	}
	out = runScript(t, f, "state\npending\n")
	assert.Contains(t, out, "sc:2")
	assert.Contains(t, out, "2 pending, paused\n")
	assert.Contains(t, out, "* /startup (a)\n")
	assert.Contains(t, out, "  /event 'tok' (b)\n")
}

func TestRun_Stop(t *testing.T) {
	stop := make(chan struct{})
	close(stop)
	lines := make(chan line)
	assert.NoError(t, run(context.Background(), &fakeTracker{}, lines, stop, &bytes.Buffer{}))
}
