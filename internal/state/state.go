// Package state holds the persisted session accounting of a tracker.
package state

import (
	"errors"
	"fmt"
	"time"

	"github.com/beacon-sdk/beacon/internal/builder"
)

// ErrNoState is returned by a Store that has nothing persisted yet.
var ErrNoState = errors.New("state: no activity state persisted")

// ActivityState is the session accounting persisted between runs.
// Timestamps are epoch milliseconds, durations are milliseconds. A value of
// -1 means the field was never set.
type ActivityState struct {
	EventCount      int64 `json:"event_count"`
	SessionCount    int64 `json:"session_count"`
	SubsessionCount int64 `json:"subsession_count"`
	SessionLength   int64 `json:"session_length"`
	TimeSpent       int64 `json:"time_spent"`
	LastActivity    int64 `json:"last_activity"`
	CreatedAt       int64 `json:"created_at"`
	LastInterval    int64 `json:"last_interval"`
}

// New returns the state of an install that never started a session.
func New() *ActivityState {
	return &ActivityState{
		SubsessionCount: -1,
		SessionLength:   -1,
		TimeSpent:       -1,
		LastActivity:    -1,
		CreatedAt:       -1,
		LastInterval:    -1,
	}
}

// started reports whether a session was ever recorded.
func (s *ActivityState) started() bool {
	return s != nil && s.SessionCount >= 1
}

// ResetSessionAttributes starts the per-session accumulators over.
func (s *ActivityState) ResetSessionAttributes(now int64) {
	s.SubsessionCount = 1
	s.SessionLength = 0
	s.TimeSpent = 0
	s.LastActivity = now
}

// InjectSessionAttributes copies the fields of a session package.
func (s *ActivityState) InjectSessionAttributes(b *builder.PackageBuilder) {
	s.injectCommon(b)
	b.LastInterval = millis(s.LastInterval)
}

// InjectEventAttributes copies the fields of an event or revenue package.
func (s *ActivityState) InjectEventAttributes(b *builder.PackageBuilder) {
	s.injectCommon(b)
	b.EventCount = s.EventCount
}

func (s *ActivityState) injectCommon(b *builder.PackageBuilder) {
	b.SessionCount = s.SessionCount
	b.SubsessionCount = s.SubsessionCount
	b.SessionLength = millis(s.SessionLength)
	b.TimeSpent = millis(s.TimeSpent)
	if s.CreatedAt >= 0 {
		b.CreatedAt = time.UnixMilli(s.CreatedAt)
	}
}

func millis(ms int64) time.Duration {
	if ms < 0 {
		return -1
	}
	return time.Duration(ms) * time.Millisecond
}

// Clone returns a copy.
func (s *ActivityState) Clone() *ActivityState {
	c := *s
	return &c
}

// String implements fmt.Stringer.
func (s *ActivityState) String() string {
	return fmt.Sprintf("ec:%d sc:%d ssc:%d sl:%.1f ts:%.1f la:%s",
		s.EventCount, s.SessionCount, s.SubsessionCount,
		seconds(s.SessionLength), seconds(s.TimeSpent), stamp(s.LastActivity))
}

func seconds(ms int64) float64 {
	return float64(ms) / 1000
}

func stamp(ms int64) string {
	if ms < 0 {
		return "-"
	}
	return time.UnixMilli(ms).Format("15:04:05")
}
