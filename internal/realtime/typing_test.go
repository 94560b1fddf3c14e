package realtime

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"groupchat/internal/apperr"
)

func TestStartTypingPublishesEveryStart(t *testing.T) {
	e := newEnv(t)
	owner := e.connect(t, e.f.Owner)
	member := e.connect(t, e.f.Member)
	drain(t, owner)
	drain(t, member)

	require.NoError(t, e.hub.StartTyping(member, e.f.General.ID))
	require.NoError(t, e.hub.StartTyping(member, e.f.General.ID))

	starts := only(drain(t, owner), EventTypingStart)
	require.Len(t, starts, 2)
	var p TypingPayload
	require.NoError(t, json.Unmarshal(starts[0].Data, &p))
	require.Equal(t, TypingPayload{UserID: e.f.Member.ID, ChannelID: e.f.General.ID}, p)

	require.Empty(t, drain(t, member), "the typing user does not hear itself")
	require.True(t, e.hub.Typing(e.f.Member.ID, e.f.General.ID))
}

func TestStartTypingSuppressRepeated(t *testing.T) {
	e := newEnv(t, SuppressRepeatedStart())
	owner := e.connect(t, e.f.Owner)
	member := e.connect(t, e.f.Member)
	drain(t, owner)

	require.NoError(t, e.hub.StartTyping(member, e.f.General.ID))
	require.NoError(t, e.hub.StartTyping(member, e.f.General.ID))
	require.Len(t, only(drain(t, owner), EventTypingStart), 1)

	require.NoError(t, e.hub.StopTyping(member, e.f.General.ID))
	require.NoError(t, e.hub.StartTyping(member, e.f.General.ID))
	frames := drain(t, owner)
	require.Len(t, only(frames, EventTypingStop), 1)
	require.Len(t, only(frames, EventTypingStart), 1)
}

func TestStopTypingTwice(t *testing.T) {
	e := newEnv(t)
	owner := e.connect(t, e.f.Owner)
	member := e.connect(t, e.f.Member)
	drain(t, owner)

	require.NoError(t, e.hub.StopTyping(member, e.f.General.ID))
	require.NoError(t, e.hub.StopTyping(member, e.f.General.ID))

	require.Len(t, only(drain(t, owner), EventTypingStop), 2)
	require.False(t, e.hub.Typing(e.f.Member.ID, e.f.General.ID))
}

func TestTypingRequiresSubscription(t *testing.T) {
	e := newEnv(t)
	outsider := e.connect(t, e.f.Outsider)
	owner := e.connect(t, e.f.Owner)
	drain(t, owner)

	require.True(t, apperr.IsForbidden(e.hub.StartTyping(outsider, e.f.General.ID)))
	require.True(t, apperr.IsForbidden(e.hub.StopTyping(outsider, e.f.General.ID)))
	require.Empty(t, drain(t, owner))
}

func TestTypingWatchdog(t *testing.T) {
	e := newEnv(t, TypingTTL(30*time.Millisecond))
	owner := e.connect(t, e.f.Owner)
	member := e.connect(t, e.f.Member)
	require.NoError(t, e.hub.StartTyping(member, e.f.General.ID))
	drain(t, owner)

	var stops []frame
	require.Eventually(t, func() bool {
		stops = append(stops, only(drain(t, owner), EventTypingStop)...)
		return len(stops) == 1
	}, time.Second, 5*time.Millisecond)

	require.False(t, e.hub.Typing(e.f.Member.ID, e.f.General.ID))
	require.Equal(t, float64(1), testutil.ToFloat64(e.metrics.TypingExpired))

	time.Sleep(60 * time.Millisecond)
	require.Empty(t, drain(t, owner))
}

func TestTypingRefreshDefersExpiry(t *testing.T) {
	e := newEnv(t, TypingTTL(200*time.Millisecond))
	member := e.connect(t, e.f.Member)

	require.NoError(t, e.hub.StartTyping(member, e.f.General.ID))
	time.Sleep(120 * time.Millisecond)
	require.NoError(t, e.hub.StartTyping(member, e.f.General.ID))
	time.Sleep(120 * time.Millisecond)

	require.True(t, e.hub.Typing(e.f.Member.ID, e.f.General.ID))
	require.Eventually(t, func() bool {
		return !e.hub.Typing(e.f.Member.ID, e.f.General.ID)
	}, time.Second, 5*time.Millisecond)
}

func TestWatchdogAfterStopIsNoop(t *testing.T) {
	e := newEnv(t, TypingTTL(20*time.Millisecond))
	owner := e.connect(t, e.f.Owner)
	member := e.connect(t, e.f.Member)
	require.NoError(t, e.hub.StartTyping(member, e.f.General.ID))
	require.NoError(t, e.hub.StopTyping(member, e.f.General.ID))
	drain(t, owner)

	time.Sleep(60 * time.Millisecond)
	require.Empty(t, drain(t, owner))
	require.Equal(t, float64(0), testutil.ToFloat64(e.metrics.TypingExpired))
}

func TestUnsubscribeStopsTyping(t *testing.T) {
	e := newEnv(t)
	owner := e.connect(t, e.f.Owner)
	member := e.connect(t, e.f.Member)
	require.NoError(t, e.hub.StartTyping(member, e.f.General.ID))
	drain(t, owner)

	e.hub.Unsubscribe(member, e.f.General.ID)
	require.False(t, e.hub.Typing(e.f.Member.ID, e.f.General.ID))
	require.Len(t, only(drain(t, owner), EventTypingStop), 1)
}
