package worker

import (
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/akulkarni/preforge/internal/appenv"
	"github.com/akulkarni/preforge/internal/config"
)

// NewBaseEnv builds the base environment snapshot spec.md §3 calls for:
// "process environment plus server identity fields", computed once at
// worker startup and read-only thereafter. errOut backs wsgi.errors.
//
// Matches original_source/horned.py:374-377: the process environment is
// copied in first (os.environ.copy()), then the server-identity and wsgi
// keys are layered on top, including the machine hostname for
// SERVER_NAME (socket.gethostname()) and a string SERVER_PORT (str(port)).
func NewBaseEnv(addr config.ListenAddr, errOut io.Writer) appenv.Environment {
	env := make(appenv.Environment)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = addr.Host
	}
	port := addr.Port
	if addr.IsUnix() {
		port = 0
	}

	env[appenv.KeyServerName] = hostname
	env[appenv.KeyServerPort] = strconv.Itoa(port)
	env[appenv.KeyScriptName] = ""
	env[appenv.KeyWSGIVersion] = [2]int{1, 0}
	env[appenv.KeyWSGIURLScheme] = "http"
	env[appenv.KeyWSGIErrors] = errOut
	env[appenv.KeyWSGIMultithread] = false
	env[appenv.KeyWSGIMultiproc] = true
	env[appenv.KeyWSGIRunOnce] = false
	return env
}
