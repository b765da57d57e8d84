package awareness

import (
	"github.com/ssau-fiit/cloudocs-relay/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
	"time"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func newTestTracker() (*Tracker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	return NewTracker(WithNow(clock.now)), clock
}

func TestTracker_Monotonic(t *testing.T) {
	tr, _ := newTestTracker()

	changes, ok := tr.SetState(1, 1, State{"cursor": 1})
	require.True(t, ok)
	assert.Equal(t, []uint64{1}, changes.Added)

	changes, ok = tr.SetState(1, 2, State{"cursor": 5})
	require.True(t, ok)
	assert.Equal(t, []uint64{1}, changes.Updated)

	_, ok = tr.SetState(1, 2, State{"cursor": 9})
	assert.False(t, ok)
	_, ok = tr.SetState(1, 1, State{"cursor": 9})
	assert.False(t, ok)

	assert.Equal(t, State{"cursor": 5}, tr.States()[1])
	assert.Equal(t, uint64(2), tr.Clock(1))
}

func TestTracker_RefreshWithSameStateIsNotAnUpdate(t *testing.T) {
	tr, _ := newTestTracker()
	tr.SetState(1, 1, State{"a": "b"})

	changes, ok := tr.SetState(1, 2, State{"a": "b"})
	assert.True(t, ok)
	assert.True(t, changes.Empty())
}

func TestTracker_Expire(t *testing.T) {
	tr, clock := newTestTracker()
	tr.SetState(1, 1, State{"n": 1})
	clock.t = clock.t.Add(20 * time.Second)
	tr.SetState(2, 1, State{"n": 2})

	clock.t = clock.t.Add(15 * time.Second)
	removed := tr.Expire(clock.t, 30*time.Second)
	assert.Equal(t, []uint64{1}, removed)
	assert.NotContains(t, tr.States(), uint64(1))
	assert.Contains(t, tr.States(), uint64(2))

	// reported once
	assert.Empty(t, tr.Expire(clock.t, 30*time.Second))

	// the departure clock beats the last state peers saw
	assert.Equal(t, uint64(2), tr.Clock(1))
	_, ok := tr.SetState(1, 1, State{"n": 1})
	assert.False(t, ok)
}

func TestTracker_Remove(t *testing.T) {
	tr, _ := newTestTracker()
	tr.SetState(7, 4, State{"n": 1})

	assert.True(t, tr.Remove(7))
	assert.False(t, tr.Remove(7))
	assert.Equal(t, 0, tr.Len())

	entries, err := tr.Encode([]uint64{7})
	require.NoError(t, err)
	assert.Equal(t, []protocol.AwarenessEntry{{Client: 7, Clock: 5}}, entries)
}

func TestTracker_ApplyAndEncode(t *testing.T) {
	tr, _ := newTestTracker()

	accepted, changes, err := tr.Apply([]protocol.AwarenessEntry{
		{Client: 1, Clock: 1, State: []byte(`{"user":{"name":"ann","color":"#f00"}}`)},
		{Client: 2, Clock: 3, State: []byte(`{}`)},
	})
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2}, accepted)
	assert.Equal(t, []uint64{1, 2}, changes.Added)

	accepted, changes, err = tr.Apply([]protocol.AwarenessEntry{
		{Client: 1, Clock: 1, State: []byte(`{"user":{"name":"bob"}}`)},
		{Client: 2, Clock: 4},
	})
	require.NoError(t, err)
	assert.Equal(t, []uint64{2}, accepted)
	assert.Equal(t, []uint64{2}, changes.Removed)

	entries, err := tr.Encode(tr.Clients())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, uint64(1), entries[0].Client)
	assert.JSONEq(t, `{"user":{"name":"ann","color":"#f00"}}`, string(entries[0].State))

	_, _, err = tr.Apply([]protocol.AwarenessEntry{{Client: 3, Clock: 1, State: []byte(`"nope"`)}})
	assert.ErrorIs(t, err, protocol.ErrMalformed)
}

func TestState_User(t *testing.T) {
	u, ok := State{"user": map[string]any{"name": "ann", "color": "#0f0"}}.User()
	require.True(t, ok)
	assert.Equal(t, User{Name: "ann", Color: "#0f0"}, u)

	_, ok = State{"cursor": 3}.User()
	assert.False(t, ok)

	var cursor struct {
		Index int `mapstructure:"index"`
	}
	require.NoError(t, State{"cursor": map[string]any{"index": "12"}}.Decode("cursor", &cursor))
	assert.Equal(t, 12, cursor.Index)
}
