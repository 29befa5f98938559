// Package logger provides leveled, component-tagged logging for tinyrelay.
//
// Components pass a short tag ("store", "discord", "pipeline") so gateway
// logs can be filtered per subsystem. The *F variants attach structured
// fields rendered as key=value pairs in deterministic order.
package logger

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

var (
	mu    sync.Mutex
	level = INFO
	out   io.Writer = os.Stderr
)

// SetLevel sets the minimum level that will be written.
func SetLevel(l Level) {
	mu.Lock()
	defer mu.Unlock()
	level = l
}

// SetOutput redirects log output, primarily for tests.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	out = w
}

func logf(l Level, component, msg string, fields map[string]any) {
	mu.Lock()
	defer mu.Unlock()

	if l < level {
		return
	}

	var b strings.Builder
	b.WriteString(time.Now().Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, " [%s] [%s] %s", l, component, msg)

	if len(fields) > 0 {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, fields[k])
		}
	}
	b.WriteByte('\n')

	io.WriteString(out, b.String())
}

func DebugC(component, msg string)                        { logf(DEBUG, component, msg, nil) }
func DebugCF(component, msg string, f map[string]any)     { logf(DEBUG, component, msg, f) }
func InfoC(component, msg string)                         { logf(INFO, component, msg, nil) }
func InfoCF(component, msg string, f map[string]any)      { logf(INFO, component, msg, f) }
func WarnC(component, msg string)                         { logf(WARN, component, msg, nil) }
func WarnCF(component, msg string, f map[string]any)      { logf(WARN, component, msg, f) }
func ErrorC(component, msg string)                        { logf(ERROR, component, msg, nil) }
func ErrorCF(component, msg string, f map[string]any)     { logf(ERROR, component, msg, f) }
