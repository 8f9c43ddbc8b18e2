package stream

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/quarryhq/quarry/pkg/events"
	"github.com/quarryhq/quarry/pkg/state"
	"github.com/quarryhq/quarry/pkg/storage"
	"github.com/quarryhq/quarry/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type directBackend struct {
	machine *state.Machine
	broker  *events.Broker
}

func newBackend(t *testing.T) *directBackend {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(func() {
		broker.Stop()
		store.Close()
	})
	return &directBackend{
		machine: state.NewMachine(store),
		broker:  broker,
	}
}

func (b *directBackend) Store() storage.Store   { return b.machine.Store() }
func (b *directBackend) Broker() *events.Broker { return b.broker }

func (b *directBackend) SetStreamOffset(key string, offset uint64) error {
	cmd, err := state.NewCommand(state.OpSetStreamOffset, &state.SetStreamOffsetRequest{Key: key, Offset: offset})
	if err != nil {
		return err
	}
	_, err = b.machine.Apply(cmd)
	return err
}

func (b *directBackend) ingest(t *testing.T, id string) {
	t.Helper()
	cmd, err := state.NewCommand(state.OpIngestContent, &types.ContentMetadata{
		ID:        id,
		Namespace: "test_ns",
		GraphName: "graph_A",
		Source:    types.ContentSourceIngestion,
		CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	result, err := b.machine.Apply(cmd)
	require.NoError(t, err)
	for _, change := range result.Changes {
		b.broker.Publish(change)
	}
}

func newStreamServer(t *testing.T, backend Backend) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.Handle("GET /namespaces/{namespace}/content-stream", NewServer(backend, 10*time.Second))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// readFrames reads count non-keep-alive frames from the stream.
func readFrames(t *testing.T, resp *http.Response, count int) []*ContentFrame {
	t.Helper()
	var frames []*ContentFrame
	scanner := bufio.NewScanner(resp.Body)
	for len(frames) < count && scanner.Scan() {
		line := scanner.Bytes()
		var frame ContentFrame
		require.NoError(t, json.Unmarshal(line, &frame))
		if frame.Content == nil {
			continue
		}
		frames = append(frames, &frame)
	}
	require.Len(t, frames, count)
	return frames
}

func TestStreamReplaysExistingContent(t *testing.T) {
	backend := newBackend(t)
	cmd, err := state.NewCommand(state.OpCreateNamespace, &types.Namespace{Name: "test_ns", CreatedAt: time.Now().UTC()})
	require.NoError(t, err)
	_, err = backend.machine.Apply(cmd)
	require.NoError(t, err)

	backend.ingest(t, "c1")
	backend.ingest(t, "c2")
	backend.ingest(t, "c3")

	srv := newStreamServer(t, backend)
	resp, err := http.Get(srv.URL + "/namespaces/test_ns/content-stream?subscriber=sub-1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))

	frames := readFrames(t, resp, 3)
	assert.Equal(t, "c1", frames[0].Content.ID)
	assert.Equal(t, "c2", frames[1].Content.ID)
	assert.Equal(t, "c3", frames[2].Content.ID)
	assert.Less(t, frames[0].Offset, frames[2].Offset)
}

func TestStreamResumesFromPersistedOffset(t *testing.T) {
	backend := newBackend(t)
	cmd, err := state.NewCommand(state.OpCreateNamespace, &types.Namespace{Name: "test_ns", CreatedAt: time.Now().UTC()})
	require.NoError(t, err)
	_, err = backend.machine.Apply(cmd)
	require.NoError(t, err)

	backend.ingest(t, "c1")
	backend.ingest(t, "c2")

	srv := newStreamServer(t, backend)

	// First connection consumes both frames and persists the cursor.
	resp, err := http.Get(srv.URL + "/namespaces/test_ns/content-stream?subscriber=sub-1")
	require.NoError(t, err)
	readFrames(t, resp, 2)
	resp.Body.Close()

	backend.ingest(t, "c3")

	// Reconnecting with from=last picks up only the new item.
	resp, err = http.Get(srv.URL + "/namespaces/test_ns/content-stream?subscriber=sub-1")
	require.NoError(t, err)
	defer resp.Body.Close()
	frames := readFrames(t, resp, 1)
	assert.Equal(t, "c3", frames[0].Content.ID)
}

func TestStreamExplicitOffset(t *testing.T) {
	backend := newBackend(t)
	cmd, err := state.NewCommand(state.OpCreateNamespace, &types.Namespace{Name: "test_ns", CreatedAt: time.Now().UTC()})
	require.NoError(t, err)
	_, err = backend.machine.Apply(cmd)
	require.NoError(t, err)

	backend.ingest(t, "c1")
	backend.ingest(t, "c2")

	srv := newStreamServer(t, backend)

	// Offset 0 replays from the beginning regardless of persisted state.
	resp, err := http.Get(srv.URL + "/namespaces/test_ns/content-stream?subscriber=sub-1&from=0")
	require.NoError(t, err)
	defer resp.Body.Close()
	frames := readFrames(t, resp, 2)
	assert.Equal(t, "c1", frames[0].Content.ID)
}

func TestStreamRequiresSubscriber(t *testing.T) {
	backend := newBackend(t)
	srv := newStreamServer(t, backend)

	resp, err := http.Get(srv.URL + "/namespaces/test_ns/content-stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// failingOffsetBackend cannot persist subscriber cursors, so every
// replay dies.
type failingOffsetBackend struct {
	*directBackend
}

func (b *failingOffsetBackend) SetStreamOffset(key string, offset uint64) error {
	return fmt.Errorf("raft apply timed out")
}

func TestStreamSendsTerminalErrorFrame(t *testing.T) {
	backend := newBackend(t)
	cmd, err := state.NewCommand(state.OpCreateNamespace, &types.Namespace{Name: "test_ns", CreatedAt: time.Now().UTC()})
	require.NoError(t, err)
	_, err = backend.machine.Apply(cmd)
	require.NoError(t, err)

	backend.ingest(t, "c1")

	srv := newStreamServer(t, &failingOffsetBackend{backend})
	resp, err := http.Get(srv.URL + "/namespaces/test_ns/content-stream?subscriber=sub-1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// The stream must end with an error frame, not a bare close.
	var terminal *ErrorFrame
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		var frame ErrorFrame
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &frame))
		if frame.Error != "" {
			terminal = &frame
			break
		}
	}
	require.NotNil(t, terminal, "stream closed without a terminal error frame")
	assert.Contains(t, terminal.Error, "raft apply timed out")
}

func TestStreamTailsNewContent(t *testing.T) {
	backend := newBackend(t)
	cmd, err := state.NewCommand(state.OpCreateNamespace, &types.Namespace{Name: "test_ns", CreatedAt: time.Now().UTC()})
	require.NoError(t, err)
	_, err = backend.machine.Apply(cmd)
	require.NoError(t, err)

	srv := newStreamServer(t, backend)
	resp, err := http.Get(srv.URL + "/namespaces/test_ns/content-stream?subscriber=sub-1")
	require.NoError(t, err)
	defer resp.Body.Close()

	// Give the handler a moment to finish the empty replay and start
	// tailing before publishing.
	time.Sleep(100 * time.Millisecond)
	backend.ingest(t, "c1")

	frames := readFrames(t, resp, 1)
	assert.Equal(t, "c1", frames[0].Content.ID)
}
