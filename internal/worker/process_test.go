package worker

import (
	"io"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akulkarni/preforge/internal/appenv"
	"github.com/akulkarni/preforge/internal/logging"
)

func discardLogger(t *testing.T) *logging.Logger {
	t.Helper()
	devnull, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = devnull.Close() })
	return logging.New(logging.NewSink(devnull), logging.NewSink(devnull))
}

func baseEnv() appenv.Environment {
	return appenv.Environment{
		appenv.KeyServerName:      "localhost",
		appenv.KeyServerPort:      8080,
		appenv.KeyScriptName:      "",
		appenv.KeyWSGIVersion:     [2]int{1, 0},
		appenv.KeyWSGIURLScheme:   "http",
		appenv.KeyWSGIMultithread: false,
		appenv.KeyWSGIMultiproc:   true,
		appenv.KeyWSGIRunOnce:    false,
	}
}

func echoApp(env appenv.Environment, start appenv.StartResponse) appenv.BodyChunks {
	start("200 OK", []appenv.HeaderField{{Name: "Content-Type", Value: "text/plain"}}, nil)
	return appenv.NewSliceChunks([]byte("hi"))
}

func TestHandleRequestServesApplicationAndCountsSuccess(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	done := make(chan []byte, 1)
	go func() {
		// Headers and body arrive in separate writes; read until the
		// worker closes the connection.
		data, _ := io.ReadAll(client)
		done <- data
	}()
	go func() {
		_, _ = client.Write([]byte("GET /hello HTTP/1.0\r\nHost: localhost\r\n\r\n"))
	}()

	p := NewProcess(nil, appenv.ApplicationFunc(echoApp), discardLogger(t), baseEnv(), "")
	ok := p.handleRequest(server)
	assert.True(t, ok)

	select {
	case resp := <-done:
		assert.Contains(t, string(resp), "HTTP/1.0 200 OK")
		assert.Contains(t, string(resp), "hi")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for response")
	}
}

func TestHandleRequestProtocolErrorDoesNotCountAsSuccess(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	go func() {
		_, _ = client.Write([]byte("garbage with no terminator"))
		_ = client.Close()
	}()

	p := NewProcess(nil, appenv.ApplicationFunc(echoApp), discardLogger(t), baseEnv(), "")
	ok := p.handleRequest(server)
	assert.False(t, ok)
	assert.EqualValues(t, 1, p.Errors())
	assert.EqualValues(t, 0, p.Requests())
}

func TestHandleRequestApplicationPanicIsRecoveredAndCounted(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	go func() {
		_, _ = client.Write([]byte("GET / HTTP/1.0\r\n\r\n"))
		buf := make([]byte, 64)
		_, _ = client.Read(buf)
	}()

	panicApp := appenv.ApplicationFunc(func(env appenv.Environment, start appenv.StartResponse) appenv.BodyChunks {
		panic("boom")
	})

	p := NewProcess(nil, panicApp, discardLogger(t), baseEnv(), "")
	ok := p.handleRequest(server)
	assert.False(t, ok)
	assert.EqualValues(t, 1, p.Errors())
}

func TestPeerAddrFallsBackToRawAddressWithoutPort(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()
	// net.Pipe's addresses are the unaddressed "pipe" placeholder, which
	// has no host:port form; peerAddr must fall back to the raw string
	// rather than erroring.
	assert.Equal(t, "pipe", peerAddr(server))
}

func TestIsTimeoutClassifiesNetErrors(t *testing.T) {
	_, client := net.Pipe()
	_ = client.SetDeadline(time.Now().Add(-time.Second))
	buf := make([]byte, 1)
	_, err := client.Read(buf)
	require.Error(t, err)
	assert.True(t, isTimeout(err))
}
