package backend

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBackend writes a shell script that speaks the backend wire protocol:
// one handshake, then a fixed two-chunk reply for every query.
func fakeBackend(t *testing.T) string {
	t.Helper()
	script := `#!/bin/sh
read line
printf '%s\n' '{"type":"handshake","modes":[{"id":"build","name":"Build"},{"id":"plan","name":"Plan"}],"currentMode":"build"}'
while read line; do
  printf '%s\n' '{"type":"chunk","content":"hello "}'
  printf '%s\n' '{"type":"chunk","content":"world","stopReason":"end_turn"}'
done
`
	path := filepath.Join(t.TempDir(), "backend.sh")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o700))
	return path
}

// chattyBackend never sends a stop reason: it streams chunks until killed,
// standing in for a backend mid-response when the turn is abandoned.
func chattyBackend(t *testing.T) string {
	t.Helper()
	script := `#!/bin/sh
read line
printf '%s\n' '{"type":"handshake","modes":[],"currentMode":""}'
read line
while true; do
  printf '%s\n' '{"type":"chunk","content":"more "}'
done
`
	path := filepath.Join(t.TempDir(), "chatty.sh")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o700))
	return path
}

func collect(t *testing.T, ch <-chan Chunk) []Chunk {
	t.Helper()
	var chunks []Chunk
	deadline := time.After(5 * time.Second)
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				return chunks
			}
			chunks = append(chunks, c)
		case <-deadline:
			t.Fatal("stream did not finish")
		}
	}
}

func TestSpawnAndHandshake(t *testing.T) {
	c := NewProcessClient("/bin/sh", fakeBackend(t))
	defer c.Terminate("s1")

	hs, err := c.SpawnAndHandshake(context.Background(), "s1", t.TempDir(), nil)
	require.NoError(t, err)
	require.Len(t, hs.Modes, 2)
	assert.Equal(t, "build", hs.CurrentMode)
	assert.Equal(t, "plan", hs.Modes[1].ID)
}

func TestQueryStream(t *testing.T) {
	c := NewProcessClient("/bin/sh", fakeBackend(t))
	defer c.Terminate("s1")

	_, err := c.SpawnAndHandshake(context.Background(), "s1", t.TempDir(), nil)
	require.NoError(t, err)

	ch, err := c.QueryStream(context.Background(), "s1", "hi", QueryOptions{Mode: "build"})
	require.NoError(t, err)

	chunks := collect(t, ch)
	require.Len(t, chunks, 2)
	assert.Equal(t, "hello ", chunks[0].Content)
	assert.Empty(t, chunks[0].StopReason)
	assert.Equal(t, "world", chunks[1].Content)
	assert.Equal(t, "end_turn", chunks[1].StopReason)
}

func TestSequentialQueries(t *testing.T) {
	c := NewProcessClient("/bin/sh", fakeBackend(t))
	defer c.Terminate("s1")

	_, err := c.SpawnAndHandshake(context.Background(), "s1", t.TempDir(), nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		ch, err := c.QueryStream(context.Background(), "s1", "hi", QueryOptions{})
		require.NoError(t, err)
		assert.Len(t, collect(t, ch), 2)
	}
}

func TestQueryWithoutSpawn(t *testing.T) {
	c := NewProcessClient("/bin/sh", fakeBackend(t))
	_, err := c.QueryStream(context.Background(), "nope", "hi", QueryOptions{})
	assert.Error(t, err)
}

func TestTerminate(t *testing.T) {
	c := NewProcessClient("/bin/sh", fakeBackend(t))

	_, err := c.SpawnAndHandshake(context.Background(), "s1", t.TempDir(), nil)
	require.NoError(t, err)

	require.NoError(t, c.Terminate("s1"))
	require.NoError(t, c.Terminate("s1"), "terminate is idempotent")

	_, err = c.QueryStream(context.Background(), "s1", "hi", QueryOptions{})
	assert.Error(t, err, "terminated session has no backend until respawn")
}

func TestRespawnReplacesProcess(t *testing.T) {
	c := NewProcessClient("/bin/sh", fakeBackend(t))
	defer c.Terminate("s1")

	_, err := c.SpawnAndHandshake(context.Background(), "s1", t.TempDir(), nil)
	require.NoError(t, err)
	hs, err := c.SpawnAndHandshake(context.Background(), "s1", t.TempDir(), nil)
	require.NoError(t, err)
	assert.Equal(t, "build", hs.CurrentMode)

	ch, err := c.QueryStream(context.Background(), "s1", "hi", QueryOptions{})
	require.NoError(t, err)
	assert.Len(t, collect(t, ch), 2)
}

func TestAbandonedStreamDoesNotWedgeSession(t *testing.T) {
	c := NewProcessClient("/bin/sh", chattyBackend(t))
	defer c.Terminate("s1")

	_, err := c.SpawnAndHandshake(context.Background(), "s1", t.TempDir(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := c.QueryStream(ctx, "s1", "hi", QueryOptions{})
	require.NoError(t, err)

	// Consume one chunk, then walk away mid stream the way a cancelled turn
	// does.
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("backend produced no output")
	}
	cancel()

	type result struct {
		ch  <-chan Chunk
		err error
	}
	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	done := make(chan result, 1)
	go func() {
		ch, err := c.QueryStream(ctx2, "s1", "hi again", QueryOptions{})
		done <- result{ch, err}
	}()

	select {
	case res := <-done:
		require.NoError(t, res.err)
		select {
		case chunk := <-res.ch:
			assert.NotEmpty(t, chunk.Content)
		case <-time.After(5 * time.Second):
			t.Fatal("respawned backend produced no output")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("second query blocked; session wedged after an abandoned stream")
	}
}

func TestSpawnFailure(t *testing.T) {
	c := NewProcessClient("/no/such/binary")
	_, err := c.SpawnAndHandshake(context.Background(), "s1", t.TempDir(), nil)
	assert.Error(t, err)
}
