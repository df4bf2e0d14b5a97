package httpproto

import (
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akulkarni/preforge/internal/appenv"
	"github.com/akulkarni/preforge/internal/iostream"
)

func respondAndCapture(t *testing.T, app appenv.Application) (string, int, error, string) {
	t.Helper()
	server, client := net.Pipe()

	read := make(chan string, 1)
	go func() {
		data, _ := io.ReadAll(client)
		read <- string(data)
	}()

	stream := iostream.New(server)
	status, length, err := RespondTo(stream, appenv.Environment{}, app)
	_ = stream.Close()

	select {
	case out := <-read:
		return status, length, err, out
	case <-time.After(2 * time.Second):
		t.Fatal("timed out reading response")
		return "", 0, nil, ""
	}
}

func TestRespondToWritesStatusHeadersAndBody(t *testing.T) {
	app := appenv.ApplicationFunc(func(env appenv.Environment, start appenv.StartResponse) appenv.BodyChunks {
		start("200 OK", []appenv.HeaderField{{Name: "Content-Type", Value: "text/plain"}}, nil)
		return appenv.NewSliceChunks([]byte("hello "), []byte("world"))
	})

	status, length, err, out := respondAndCapture(t, app)
	require.NoError(t, err)
	assert.Equal(t, "200 OK", status)
	assert.Equal(t, len("hello world"), length)
	assert.True(t, strings.HasPrefix(out, "HTTP/1.0 200 OK\r\n"))
	assert.Contains(t, out, "Content-Type: text/plain\r\n")
	assert.Contains(t, out, "Connection: close\r\n")
	assert.True(t, strings.HasSuffix(out, "hello world"))

	headerEnd := strings.Index(out, "\r\n\r\n")
	require.GreaterOrEqual(t, headerEnd, 0)
	assert.Equal(t, "hello world", out[headerEnd+4:])
}

func TestRespondToEmptyBodyStillEmitsHeaders(t *testing.T) {
	app := appenv.ApplicationFunc(func(env appenv.Environment, start appenv.StartResponse) appenv.BodyChunks {
		start("204 No Content", nil, nil)
		return appenv.NewSliceChunks()
	})
	status, length, err, out := respondAndCapture(t, app)
	require.NoError(t, err)
	assert.Equal(t, "204 No Content", status)
	assert.Equal(t, 0, length)
	assert.Contains(t, out, "HTTP/1.0 204 No Content\r\n")
	assert.Contains(t, out, "Connection: close\r\n")
}

func TestRespondToSuppressesApplicationSuppliedConnectionAndDateHeaders(t *testing.T) {
	app := appenv.ApplicationFunc(func(env appenv.Environment, start appenv.StartResponse) appenv.BodyChunks {
		start("200 OK", []appenv.HeaderField{
			{Name: "Connection", Value: "keep-alive"},
			{Name: "Date", Value: "bogus"},
			{Name: "X-Kept", Value: "yes"},
		}, nil)
		return appenv.NewSliceChunks([]byte("ok"))
	})
	_, _, err, out := respondAndCapture(t, app)
	require.NoError(t, err)
	assert.NotContains(t, out, "keep-alive")
	assert.NotContains(t, out, "Date: bogus")
	assert.Contains(t, out, "Connection: close\r\n")
	assert.Contains(t, out, "X-Kept: yes\r\n")
	// Exactly one real Date header, emitted by the driver itself.
	assert.Equal(t, 1, strings.Count(out, "Date: "))
}

func TestRespondToLegacyBodyWriterIsOrderedBeforeReturnedChunks(t *testing.T) {
	app := appenv.ApplicationFunc(func(env appenv.Environment, start appenv.StartResponse) appenv.BodyChunks {
		write := start("200 OK", nil, nil)
		write([]byte("legacy-"))
		return appenv.NewSliceChunks([]byte("returned"))
	})
	_, length, err, out := respondAndCapture(t, app)
	require.NoError(t, err)
	assert.Equal(t, len("legacy-returned"), length)
	headerEnd := strings.Index(out, "\r\n\r\n")
	assert.Equal(t, "legacy-returned", out[headerEnd+4:])
}

// faultyBody yields one chunk, forcing headers to be sent, then calls
// back into the captured StartResponse mid-iteration the way a
// generator-style application would after a late failure — the
// exc_info re-raise case of spec.md §9.
type faultyBody struct {
	appenv.NoCloser
	start appenv.StartResponse
	step  int
}

func (b *faultyBody) Next() ([]byte, bool) {
	b.step++
	switch b.step {
	case 1:
		return []byte("partial"), true
	case 2:
		b.start("500 Internal Server Error", nil, &appenv.ExcInfo{Err: assert.AnError})
	}
	return nil, false
}

func TestRespondToExcInfoAfterHeadersSentPanics(t *testing.T) {
	app := appenv.ApplicationFunc(func(env appenv.Environment, start appenv.StartResponse) appenv.BodyChunks {
		start("200 OK", nil, nil)
		return &faultyBody{start: start}
	})

	server, client := net.Pipe()
	defer client.Close()
	go func() { _, _ = io.ReadAll(client) }()
	stream := iostream.New(server)

	assert.Panics(t, func() {
		_, _, _ = RespondTo(stream, appenv.Environment{}, app)
	})
}

func TestHTTPDateFormatsAsRFC1123LikeGMT(t *testing.T) {
	// 2026-08-01 is a Saturday.
	d := time.Date(2026, time.August, 1, 12, 30, 45, 0, time.UTC)
	assert.Equal(t, "Sat, 01 Aug 2026 12:30:45 GMT", HTTPDate(d))
}
