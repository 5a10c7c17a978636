// Package redact scrubs secret-shaped substrings from log output when
// ORC_DEBUG_REDACTED_MODE is enabled.
package redact

import (
	"log"
	"os"
	"regexp"
	"strings"
	"sync"
)

var patterns = []struct {
	re   *regexp.Regexp
	repl string
}{
	{regexp.MustCompile(`(?i)api[_-]?key["']?\s*[=:]\s*[^\s"',]+`), "[REDACTED_API_KEY]"},
	{regexp.MustCompile(`(?i)token["']?\s*[=:]\s*[^\s"',]+`), "[REDACTED_TOKEN]"},
	{regexp.MustCompile(`(?i)password["']?\s*[=:]\s*[^\s"',]+`), "[REDACTED_PASSWORD]"},
	{regexp.MustCompile(`(?i)authorization["']?\s*[=:]\s*bearer\s+[^\s"',]+`), "[REDACTED_AUTH]"},
	{regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`), "[REDACTED_IP]"},
}

var (
	enabledOnce sync.Once
	enabled     bool
)

// Enabled reports whether ORC_DEBUG_REDACTED_MODE is set to a truthy value.
// Read once; the environment is not expected to change mid-process.
func Enabled() bool {
	enabledOnce.Do(func() {
		v := strings.ToLower(strings.TrimSpace(os.Getenv("ORC_DEBUG_REDACTED_MODE")))
		enabled = v == "1" || v == "true" || v == "yes"
	})
	return enabled
}

// Text redacts API keys, bearer tokens, passwords, and IPv4 addresses from s
// when redaction is enabled. Never stores or logs LLM prompt/response
// content in the first place; this is a defense-in-depth pass over whatever
// else ends up in a log line.
func Text(s string) string {
	if !Enabled() || s == "" {
		return s
	}
	out := s
	for _, p := range patterns {
		out = p.re.ReplaceAllString(out, p.repl)
	}
	return out
}

// Logger wraps a *log.Logger and redacts every message passed to Printf
// before it reaches the underlying writer.
type Logger struct {
	*log.Logger
}

func NewLogger(base *log.Logger) *Logger {
	return &Logger{Logger: base}
}

func (l *Logger) Printf(format string, args ...any) {
	redactedArgs := make([]any, len(args))
	for i, a := range args {
		if s, ok := a.(string); ok {
			redactedArgs[i] = Text(s)
		} else {
			redactedArgs[i] = a
		}
	}
	l.Logger.Printf(Text(format), redactedArgs...)
}

func (l *Logger) Println(v ...any) {
	redacted := make([]any, len(v))
	for i, a := range v {
		if s, ok := a.(string); ok {
			redacted[i] = Text(s)
		} else {
			redacted[i] = a
		}
	}
	l.Logger.Println(redacted...)
}
