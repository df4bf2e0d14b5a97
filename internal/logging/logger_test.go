package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestLineFormat(t *testing.T) {
	dir := t.TempDir()
	accessPath := filepath.Join(dir, "access.log")
	access, err := NewPathSink(accessPath)
	require.NoError(t, err)

	l := New(access, NewSink(os.Stderr))
	l.Request("10.0.0.1", "GET / HTTP/1.0", "200 OK", 2, 0)

	data, err := os.ReadFile(accessPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "10.0.0.1")
	assert.Contains(t, string(data), `"GET / HTTP/1.0"`)
	assert.Contains(t, string(data), " 200 ")
	assert.Contains(t, string(data), " 2 ")
}

func TestReopenSwapsUnderlyingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "error.log")
	sink, err := NewPathSink(path)
	require.NoError(t, err)

	_, err = sink.Write([]byte("before\n"))
	require.NoError(t, err)

	require.NoError(t, os.Rename(path, path+".rotated"))
	require.NoError(t, sink.Reopen())

	_, err = sink.Write([]byte("after\n"))
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "after\n", string(data))
}

func TestReopenOnStdioSinkIsNoop(t *testing.T) {
	sink := NewSink(os.Stderr)
	assert.NoError(t, sink.Reopen())
}
