package util

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/pterm/pterm"
)

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 15:04:05"
	pterm.DefaultLogger.MaxWidth = 1000
}

// Leveled logging functions backed by pterm prefixed printers.
// All output goes to stderr unless SetOutput redirects it.

func LogDebug(format string, args ...interface{}) {
	pterm.DefaultLogger.Debug(fmt.Sprintf(format, args...))
}

func LogInfo(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func LogSuccess(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func LogWarning(format string, args ...interface{}) {
	pterm.DefaultLogger.Warn(fmt.Sprintf(format, args...))
}

func LogError(format string, args ...interface{}) {
	pterm.DefaultLogger.Error(fmt.Sprintf(format, args...))
}

// EnableDebug configures the logger to show debug messages.
func EnableDebug() {
	pterm.DefaultLogger.Level = pterm.LogLevelDebug
}

// SetOutput redirects the logger, used by daemon mode to write the log file.
func SetOutput(w io.Writer) {
	pterm.DefaultLogger.Writer = w
}

// ──────────────────────────────────────────────────────────────────────────────
// ADB_TRACE tags
// ──────────────────────────────────────────────────────────────────────────────

// Trace tags accepted by ADB_TRACE.
const (
	TraceAll         = "all"
	TraceAdb         = "adb"
	TraceSockets     = "sockets"
	TracePackets     = "packets"
	TraceTransport   = "transport"
	TraceRWX         = "rwx"
	TraceUSB         = "usb"
	TraceSync        = "sync"
	TraceServices    = "services"
	TraceAuth        = "auth"
	TraceFdevent     = "fdevent"
	TraceMdns        = "mdns"
	TraceIncremental = "incremental"
)

var knownTraceTags = []string{
	TraceAdb, TraceSockets, TracePackets, TraceTransport, TraceRWX, TraceUSB,
	TraceSync, TraceServices, TraceAuth, TraceFdevent, TraceMdns, TraceIncremental,
}

var (
	traceMu   sync.RWMutex
	traceTags = map[string]bool{}
)

// SetTrace parses an ADB_TRACE value (comma or space separated). "1" and
// "all" enable every tag. Unknown tags are ignored. Any enabled tag turns
// on debug logging.
func SetTrace(spec string) {
	fields := strings.FieldsFunc(spec, func(r rune) bool { return r == ',' || r == ' ' })

	tags := map[string]bool{}
	for _, f := range fields {
		if f == "1" || f == TraceAll {
			for _, t := range knownTraceTags {
				tags[t] = true
			}
			continue
		}
		for _, t := range knownTraceTags {
			if f == t {
				tags[t] = true
			}
		}
	}

	traceMu.Lock()
	traceTags = tags
	traceMu.Unlock()

	if len(tags) > 0 {
		EnableDebug()
	}
}

// TraceEnabled reports whether tag was enabled by SetTrace.
func TraceEnabled(tag string) bool {
	traceMu.RLock()
	defer traceMu.RUnlock()
	return traceTags[tag]
}

// TraceLevel returns the enabled tags as a comma list, for server-status.
func TraceLevel() string {
	traceMu.RLock()
	defer traceMu.RUnlock()
	var on []string
	for _, t := range knownTraceTags {
		if traceTags[t] {
			on = append(on, t)
		}
	}
	return strings.Join(on, ",")
}

// Tracef logs at debug level when tag is enabled.
func Tracef(tag, format string, args ...interface{}) {
	if !TraceEnabled(tag) {
		return
	}
	pterm.DefaultLogger.Debug(tag + ": " + fmt.Sprintf(format, args...))
}
