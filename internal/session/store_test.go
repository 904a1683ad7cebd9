package session

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ferry-agent/ferry/pkg/types"
)

func TestCreateAndGet(t *testing.T) {
	st := NewStore()

	s := st.Create("/tmp", types.ClientCapabilities{Streaming: true})
	require.NoError(t, ValidateID(s.ID))
	assert.Equal(t, "/tmp", s.Cwd)
	assert.True(t, s.Caps.Streaming)

	got, err := st.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)
	assert.Empty(t, got.History)
}

func TestGetNotFound(t *testing.T) {
	st := NewStore()
	_, err := st.Get("01JUNKJUNKJUNKJUNKJUNKJUNK")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetReturnsSnapshot(t *testing.T) {
	st := NewStore()
	s := st.Create("/tmp", types.ClientCapabilities{})

	snap, err := st.Get(s.ID)
	require.NoError(t, err)
	snap.AppendHistory(types.NewAgentMessageChunk("mutating a snapshot"))
	snap.TurnRequestCount = 99

	fresh, err := st.Get(s.ID)
	require.NoError(t, err)
	assert.Empty(t, fresh.History)
	assert.Zero(t, fresh.TurnRequestCount)
}

func TestUpdateMutatesRecord(t *testing.T) {
	st := NewStore()
	s := st.Create("/tmp", types.ClientCapabilities{})

	err := st.Update(s.ID, func(sess *Session) error {
		sess.TurnRequestCount++
		sess.AppendHistory(types.NewUserMessageChunk(types.TextBlock("hi")))
		return nil
	})
	require.NoError(t, err)

	got, err := st.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.TurnRequestCount)
	assert.Len(t, got.History, 1)
}

func TestUpdateUnknownSession(t *testing.T) {
	st := NewStore()
	err := st.Update("missing", func(*Session) error { return nil })
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConcurrentUpdatesDoNotInterleave(t *testing.T) {
	st := NewStore()
	s := st.Create("/tmp", types.ClientCapabilities{})

	const workers = 8
	const perWorker = 100

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				_ = st.Update(s.ID, func(sess *Session) error {
					sess.TurnTokenCount++
					return nil
				})
			}
		}()
	}
	wg.Wait()

	got, err := st.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, workers*perWorker, got.TurnTokenCount)
}

func TestListSortedByCreation(t *testing.T) {
	st := NewStore()
	a := st.Create("/a", types.ClientCapabilities{})
	b := st.Create("/b", types.ClientCapabilities{})
	c := st.Create("/c", types.ClientCapabilities{})

	ids := st.List()
	require.Len(t, ids, 3)
	assert.Equal(t, []string{a.ID, b.ID, c.ID}, ids)
}

func TestDelete(t *testing.T) {
	st := NewStore()
	s := st.Create("/tmp", types.ClientCapabilities{})

	st.Delete(s.ID)
	st.Delete(s.ID) // no-op

	_, err := st.Get(s.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, st.List())
}

func TestValidateIDRoundTrip(t *testing.T) {
	id := NewID()
	assert.NoError(t, ValidateID(id))
	assert.Error(t, ValidateID("not-a-ulid"))
	assert.Error(t, ValidateID(""))
}
