package runctx

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegisterStoresAndGets(t *testing.T) {
	r := NewRegistry()
	r.Register("run1", Context{SessionKey: "s1", Verbosity: VerbosityFull})

	c, ok := r.Get("run1")
	require.True(t, ok)
	require.Equal(t, "s1", c.SessionKey)
	require.Equal(t, VerbosityFull, c.Verbosity)
}

func TestRegisterMergesOnlyUnsetFields(t *testing.T) {
	r := NewRegistry()
	r.Register("run1", Context{SessionKey: "s1"})
	r.Register("run1", Context{SessionKey: "other", Verbosity: VerbosityPartial})

	c, ok := r.Get("run1")
	require.True(t, ok)
	require.Equal(t, "s1", c.SessionKey, "existing session key must not be overwritten")
	require.Equal(t, VerbosityPartial, c.Verbosity, "absent verbosity is filled in")
}

func TestRegisterNeverRevertsToEmpty(t *testing.T) {
	r := NewRegistry()
	r.Register("run1", Context{SessionKey: "s1", Verbosity: VerbosityOff})
	r.Register("run1", Context{})

	c, _ := r.Get("run1")
	require.Equal(t, "s1", c.SessionKey)
	require.Equal(t, VerbosityOff, c.Verbosity)
}

func TestHeartbeatFlagSticks(t *testing.T) {
	r := NewRegistry()
	r.Register("run1", Context{Heartbeat: true})
	r.Register("run1", Context{SessionKey: "s1"})

	c, _ := r.Get("run1")
	require.True(t, c.Heartbeat)
}

func TestClearRemovesEntry(t *testing.T) {
	r := NewRegistry()
	r.Register("run1", Context{SessionKey: "s1"})
	r.Clear("run1")

	_, ok := r.Get("run1")
	require.False(t, ok)

	// Clearing again is a no-op.
	r.Clear("run1")
}

func TestEmptyRunIDIgnored(t *testing.T) {
	r := NewRegistry()
	r.Register("", Context{SessionKey: "s1"})
	_, ok := r.Get("")
	require.False(t, ok)
}
