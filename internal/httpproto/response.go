package httpproto

import (
	"fmt"
	"strings"
	"time"

	"github.com/akulkarni/preforge/internal/appenv"
	"github.com/akulkarni/preforge/internal/iostream"
)

var httpWeekdays = [...]string{"Mon", "Tue", "Wed", "Thu", "Fri", "Sat", "Sun"}
var httpMonths = [...]string{"Jan", "Feb", "Mar", "Apr", "May", "Jun", "Jul", "Aug", "Sep", "Oct", "Nov", "Dec"}

// HTTPDate formats t (or now, if zero) as an HTTP Date header value in
// GMT, spec.md §4.3.
func HTTPDate(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	t = t.UTC()
	return fmt.Sprintf("%s, %02d %s %04d %02d:%02d:%02d GMT",
		httpWeekdays[(int(t.Weekday())+6)%7], t.Day(), httpMonths[t.Month()-1], t.Year(),
		t.Hour(), t.Minute(), t.Second())
}

// responder drives the three-source chunk concatenation and deferred
// header emission of spec.md §4.3.
type responder struct {
	stream      *iostream.BufferedStream
	headersSent bool
	status      string
	headers     []appenv.HeaderField
}

// RespondTo invokes app with env, then iterates the resulting body and
// writes status/headers/body to stream exactly as spec.md §4.3
// describes, including the trailing synthetic empty chunk that forces
// header emission for an empty body. It returns the response length (for
// access logging) and the status line that was sent.
//
// Legacy writes made through the StartResponse-returned BodyWriter are
// queued ahead of the application's returned BodyChunks, per spec.md
// §4.3 step 1(a).
func RespondTo(stream *iostream.BufferedStream, env appenv.Environment, app appenv.Application) (status string, length int, err error) {
	r := &responder{stream: stream}
	var legacy [][]byte

	start := func(status string, headers []appenv.HeaderField, exc *appenv.ExcInfo) appenv.BodyWriter {
		if exc != nil {
			if r.headersSent {
				panic(exc)
			}
		}
		r.status = status
		r.headers = headers
		return func(chunk []byte) { legacy = append(legacy, chunk) }
	}

	body := app.Serve(env, start)

	for _, chunk := range legacy {
		r.emit(chunk)
		length += len(chunk)
	}
	if body != nil {
		for {
			chunk, ok := body.Next()
			if !ok {
				break
			}
			r.emit(chunk)
			length += len(chunk)
		}
		if cerr := body.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	// Trailing synthetic empty chunk guarantees at least one iteration,
	// forcing header emission for an empty body, spec.md §4.3 step 1(c).
	r.emit(nil)

	if ferr := stream.Flush(); ferr != nil && err == nil {
		err = ferr
	}
	return r.status, length, err
}

func (r *responder) emit(chunk []byte) {
	if !r.headersSent {
		r.sendHeaders()
	}
	if len(chunk) > 0 {
		r.stream.Write(chunk)
	}
}

// sendHeaders writes the status line, a Date header, the application's
// headers (minus any Connection/Date it tried to supply), Connection:
// close, and the blank terminator, then flushes so the client sees the
// head before the body lands. spec.md §4.3.
func (r *responder) sendHeaders() {
	r.stream.Write([]byte("HTTP/1.0 " + r.status + "\r\n"))
	r.stream.Write([]byte("Date: " + HTTPDate(time.Time{}) + "\r\n"))
	for _, h := range r.headers {
		lname := strings.ToLower(h.Name)
		if lname == "connection" || lname == "date" {
			continue
		}
		r.stream.Write([]byte(h.Name + ": " + h.Value + "\r\n"))
	}
	r.stream.Write([]byte("Connection: close\r\n"))
	r.stream.Write([]byte("\r\n"))
	r.headersSent = true
	_ = r.stream.Flush()
}
