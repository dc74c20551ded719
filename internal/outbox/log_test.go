package outbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/slogtest"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beacon-sdk/beacon/pkg/types"
)

func testLogger(t *testing.T) slog.Logger {
	return slogtest.Make(t, &slogtest.Options{IgnoreErrors: true}).Leveled(slog.LevelDebug)
}

func testPackage(id string) *types.ActivityPackage {
	params := types.NewParameters()
	params.Set("app_token", "abc123")
	params.Set("event_token", id)
	return &types.ActivityPackage{
		ID:         id,
		Kind:       types.KindEvent,
		Path:       types.PathEvent,
		Parameters: params,
		ClientSDK:  "go1.0.0",
		Suffix:     fmt.Sprintf(" '%s'", id),
	}
}

func ids(pkgs []*types.ActivityPackage) []string {
	out := make([]string, 0, len(pkgs))
	for _, p := range pkgs {
		out = append(out, p.ID)
	}
	return out
}

func TestLog_PutAckReplay(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	l, pending, err := OpenLog(ctx, dir, testLogger(t))
	require.NoError(t, err)
	assert.Empty(t, pending)

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, l.Put(testPackage(id)))
	}
	require.NoError(t, l.Ack("a"))
	require.NoError(t, l.Close())

	l, pending, err = OpenLog(ctx, dir, testLogger(t))
	require.NoError(t, err)
	defer l.Close()

	assert.Equal(t, []string{"b", "c"}, ids(pending))
	v, ok := pending[0].Parameters.Get("event_token")
	assert.True(t, ok)
	assert.Equal(t, "b", v)
	assert.Equal(t, 1, l.Acked())
}

func TestLog_TornTailIsTruncated(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	l, _, err := OpenLog(ctx, dir, testLogger(t))
	require.NoError(t, err)
	require.NoError(t, l.Put(testPackage("a")))
	require.NoError(t, l.Put(testPackage("b")))
	require.NoError(t, l.Close())

	path := filepath.Join(dir, LogFileName)
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-3))

	l, pending, err := OpenLog(ctx, dir, testLogger(t))
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids(pending))

	// appends after the truncation point replay cleanly
	require.NoError(t, l.Put(testPackage("c")))
	require.NoError(t, l.Close())

	l, pending, err = OpenLog(ctx, dir, testLogger(t))
	require.NoError(t, err)
	defer l.Close()
	assert.Equal(t, []string{"a", "c"}, ids(pending))
}

func TestLog_ChecksumMismatchIsSkipped(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	l, _, err := OpenLog(ctx, dir, testLogger(t))
	require.NoError(t, err)
	require.NoError(t, l.Put(testPackage("a")))
	require.NoError(t, l.Close())

	path := filepath.Join(dir, LogFileName)
	first, err := os.ReadFile(path)
	require.NoError(t, err)

	l, _, err = OpenLog(ctx, dir, testLogger(t))
	require.NoError(t, err)
	require.NoError(t, l.Put(testPackage("b")))
	require.NoError(t, l.Close())

	// flip a payload byte of the first frame
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(first)-1] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0644))

	l, pending, err := OpenLog(ctx, dir, testLogger(t))
	require.NoError(t, err)
	defer l.Close()
	assert.Equal(t, []string{"b"}, ids(pending))
}

func TestLog_UnreadableLogIsMovedAside(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	// a directory where the log file should be cannot be replayed
	require.NoError(t, os.MkdirAll(filepath.Join(dir, LogFileName, "junk"), 0755))

	l, pending, err := OpenLog(ctx, dir, testLogger(t))
	require.NoError(t, err)
	defer l.Close()
	assert.Empty(t, pending)
	require.NoError(t, l.Put(testPackage("a")))

	matches, err := filepath.Glob(filepath.Join(dir, LogFileName+".corrupt-*"))
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestLog_Compact(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	l, _, err := OpenLog(ctx, dir, testLogger(t))
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		require.NoError(t, l.Put(testPackage(fmt.Sprint(i))))
	}
	for i := 0; i < 8; i++ {
		require.NoError(t, l.Ack(fmt.Sprint(i)))
	}

	path := filepath.Join(dir, LogFileName)
	before, err := os.Stat(path)
	require.NoError(t, err)

	require.NoError(t, l.Compact([]*types.ActivityPackage{testPackage("8"), testPackage("9")}))
	assert.Equal(t, 0, l.Acked())

	after, err := os.Stat(path)
	require.NoError(t, err)
	assert.Less(t, after.Size(), before.Size())

	// the reopened descriptor appends to the new file
	require.NoError(t, l.Put(testPackage("10")))
	require.NoError(t, l.Close())

	l, pending, err := OpenLog(ctx, dir, testLogger(t))
	require.NoError(t, err)
	defer l.Close()
	assert.Equal(t, []string{"8", "9", "10"}, ids(pending))
}

func TestLog_ClosedLogRejectsAppends(t *testing.T) {
	l, _, err := OpenLog(context.Background(), t.TempDir(), testLogger(t))
	require.NoError(t, err)
	require.NoError(t, l.Close())
	assert.ErrorIs(t, l.Put(testPackage("a")), ErrClosed)
	assert.NoError(t, l.Close())
}

// Replaying any sequence of puts and acks yields the puts that were not
// acked, in put order.
func TestLog_ReplayMatchesModel(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("replay equals model", prop.ForAll(
		func(ops []int) bool {
			ctx := context.Background()
			dir := t.TempDir()
			l, _, err := OpenLog(ctx, dir, slog.Logger{})
			if err != nil {
				return false
			}

			var model []string
			next := 0
			for _, op := range ops {
				// even: put a new package, odd: ack the model entry at op/2
				if op%2 == 0 || len(model) == 0 {
					id := fmt.Sprint(next)
					next++
					if l.Put(testPackage(id)) != nil {
						return false
					}
					model = append(model, id)
					continue
				}
				i := (op / 2) % len(model)
				if l.Ack(model[i]) != nil {
					return false
				}
				model = append(model[:i], model[i+1:]...)
			}
			if l.Close() != nil {
				return false
			}

			l, pending, err := OpenLog(ctx, dir, slog.Logger{})
			if err != nil {
				return false
			}
			defer l.Close()
			got := ids(pending)
			if len(got) != len(model) {
				return false
			}
			for i := range got {
				if got[i] != model[i] {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 100)),
	))

	properties.TestingRun(t)
}
