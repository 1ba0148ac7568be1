// Package logging tests for structured logging.
package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =====================================================
// Helpers
// =====================================================

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &entry), "line: %s", line)
		out = append(out, entry)
	}
	return out
}

func resetGlobal() {
	mu.Lock()
	global = nil
	mu.Unlock()
	once = sync.Once{}
}

// =====================================================
// Logger Tests
// =====================================================

// TestLogger_JSONFields verifies message, level and context fields.
func TestLogger_JSONFields(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelDebug)

	l.Info("queue drained", map[string]interface{}{"acked": 3})

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "queue drained", entries[0]["message"])
	assert.Equal(t, "info", entries[0]["level"])
	assert.EqualValues(t, 3, entries[0]["acked"])
	assert.NotEmpty(t, entries[0]["timestamp"])
}

// TestLogger_MinLevel verifies lower levels are dropped.
func TestLogger_MinLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelWarn)

	l.Debug("hidden")
	l.Info("hidden")
	l.Warn("shown")

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "shown", entries[0]["message"])
}

// TestLogger_ErrorWithCode verifies the error and code are attached.
func TestLogger_ErrorWithCode(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelInfo)

	l.ErrorWithCode("sync cycle failed", "NETWORK", errors.New("dial tcp: refused"),
		map[string]interface{}{"queue_id": "q-1"}, map[string]interface{}{"attempts": 2})

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "NETWORK", entries[0]["error_code"])
	assert.Equal(t, "dial tcp: refused", entries[0]["error"])
	assert.Equal(t, "q-1", entries[0]["queue_id"])
	assert.EqualValues(t, 2, entries[0]["attempts"])
}

// TestLogger_ErrorNil verifies a nil error does not add an error field.
func TestLogger_ErrorNil(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, LevelInfo).Error("no cause", nil)

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	_, ok := entries[0]["error"]
	assert.False(t, ok)
}

// =====================================================
// Global Logger Tests
// =====================================================

// TestInit_idempotent verifies Init is idempotent.
func TestInit_idempotent(t *testing.T) {
	resetGlobal()
	defer resetGlobal()

	var buf1, buf2 bytes.Buffer
	Init(&buf1, LevelInfo)
	first := Get()
	Init(&buf2, LevelDebug)

	assert.Same(t, first, Get())
	Info("to first")
	assert.Contains(t, buf1.String(), "to first")
	assert.Empty(t, buf2.String())
}

// TestConfigure_File verifies rotated file output.
func TestConfigure_File(t *testing.T) {
	resetGlobal()
	defer resetGlobal()

	path := filepath.Join(t.TempDir(), "clipsync.log")
	closer, err := Configure(Options{Level: LevelInfo, Format: FormatAuto, File: path, MaxSizeMB: 1})
	require.NoError(t, err)

	Warn("written to file", map[string]interface{}{"k": "v"})
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"message":"written to file"`)
	assert.Contains(t, string(data), `"k":"v"`)
}

// TestParseLevel verifies config strings map to levels.
func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("debug"))
	assert.Equal(t, LevelWarn, ParseLevel("warning"))
	assert.Equal(t, LevelError, ParseLevel(" ERROR "))
	assert.Equal(t, LevelInfo, ParseLevel("verbose"))
}
