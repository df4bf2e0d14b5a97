package httpproto

import (
	"strconv"
	"strings"

	"github.com/akulkarni/preforge/internal/appenv"
	"github.com/akulkarni/preforge/internal/iostream"
)

var headerTerminator = []byte("\r\n\r\n")

// ParseRequest reads the request header block off stream, parses the
// request line and headers, and builds the per-request environment by
// cloning baseEnv and layering on the fields of spec.md §3 step 2-7. It
// returns the verbatim request line (for access logging) alongside the
// environment.
func ParseRequest(stream *iostream.BufferedStream, baseEnv appenv.Environment, remoteAddr, realIPHeader string) (string, appenv.Environment, error) {
	raw, err := stream.ReadUntil(headerTerminator)
	if err != nil {
		return "", nil, &ProtocolError{Msg: "premature EOF reading request headers: " + err.Error()}
	}

	lines := strings.Split(string(raw), "\r\n")
	reqLine := lines[0]

	method, target, protocol, ok := splitRequestLine(reqLine)
	if !ok {
		return "", nil, &ProtocolError{Msg: "malformed request line: " + reqLine}
	}

	env := baseEnv.Clone()
	env[appenv.KeyRequestMethod] = method
	env[appenv.KeyServerProtocol] = protocol
	env[appenv.KeyRemoteAddr] = remoteAddr

	path, query, hasQuery := strings.Cut(target, "?")
	env[appenv.KeyPathInfo] = percentDecode(path)
	if hasQuery {
		env[appenv.KeyQueryString] = query
	}
	env[appenv.KeyWSGIInput] = stream.Reader()

	for _, line := range lines[1:] {
		if line == "" {
			break
		}
		name, value := splitHeaderLine(line)
		env[appenv.HTTPHeaderPrefix+canonicalHeaderName(name)] = value
	}

	if realIPHeader != "" {
		if v, ok := env[realIPHeader]; ok {
			env[appenv.KeyRemoteAddr] = v
		}
	}

	return reqLine, env, nil
}

// splitRequestLine splits on the first two spaces only, per spec.md
// §4.2: the protocol token may itself contain spaces if literally
// present, so everything after the second space is kept as one token.
func splitRequestLine(line string) (method, target, protocol string, ok bool) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}

// splitHeaderLine splits at the first ':', canonicalizes nothing itself
// (see canonicalHeaderName), and trims surrounding whitespace from the
// value. A line with no ':' becomes a header name with an empty value,
// per spec.md §4.2.
func splitHeaderLine(line string) (name, value string) {
	name, value, found := strings.Cut(line, ":")
	if !found {
		return line, ""
	}
	return name, strings.TrimSpace(value)
}

func canonicalHeaderName(name string) string {
	return strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
}

// percentDecode replaces each %XX (hex, case-insensitive) escape with
// its byte. Invalid or truncated escapes are emitted literally as '%'
// followed by the offending characters, per spec.md §4.2.
func percentDecode(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		if s[i] != '%' {
			b.WriteByte(s[i])
			i++
			continue
		}
		if i+2 < len(s) && isHexDigit(s[i+1]) && isHexDigit(s[i+2]) {
			v, _ := strconv.ParseUint(s[i+1:i+3], 16, 8)
			b.WriteByte(byte(v))
			i += 3
			continue
		}
		rest := s[i+1:]
		if len(rest) > 2 {
			rest = rest[:2]
		}
		b.WriteByte('%')
		b.WriteString(rest)
		i += 1 + len(rest)
	}
	return b.String()
}

func isHexDigit(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}
