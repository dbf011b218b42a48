package logging

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readEvents(t *testing.T, path string) []Event {
	t.Helper()

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev Event
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &ev))
		events = append(events, ev)
	}
	return events
}

func TestLoggerWritesEvents(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewLogger(dir)
	require.NoError(t, err)
	defer logger.Close()

	require.NoError(t, logger.Info(CategorySandbox, "container_created", "created sandbox", map[string]any{
		"container_id": "crucible-abc",
	}))

	events := readEvents(t, filepath.Join(dir, "events.jsonl"))
	require.Len(t, events, 1)
	assert.Equal(t, CategorySandbox, events[0].Category)
	assert.Equal(t, "container_created", events[0].EventType)
	assert.False(t, events[0].Timestamp.IsZero())
}

func TestLoggerErrorsGoToBothFiles(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewLogger(dir)
	require.NoError(t, err)
	defer logger.Close()

	require.NoError(t, logger.Error(CategoryNetwork, "policy_apply_failed", "iptables failed", nil))
	require.NoError(t, logger.Info(CategoryImage, "image_built", "", nil))

	assert.Len(t, readEvents(t, filepath.Join(dir, "events.jsonl")), 2)
	errEvents := readEvents(t, filepath.Join(dir, "errors.jsonl"))
	require.Len(t, errEvents, 1)
	assert.Equal(t, "policy_apply_failed", errEvents[0].EventType)
}

func TestLoggerMinLevel(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewLogger(dir)
	require.NoError(t, err)
	defer logger.Close()

	// Default min level is info: debug events are dropped.
	require.NoError(t, logger.Debug(CategoryProtocol, "frame_decoded", "", nil))
	assert.Empty(t, readEvents(t, filepath.Join(dir, "events.jsonl")))

	logger.SetMinLevel(LevelDebug)
	require.NoError(t, logger.Debug(CategoryProtocol, "frame_decoded", "", nil))
	assert.Len(t, readEvents(t, filepath.Join(dir, "events.jsonl")), 1)
}

func TestDiscardLoggerDropsEverything(t *testing.T) {
	logger := Discard()

	assert.NoError(t, logger.Error(CategorySandbox, "anything", "dropped", nil))
	assert.NoError(t, logger.Close())
}
