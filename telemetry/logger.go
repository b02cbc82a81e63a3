package telemetry

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Logger is the production implementation of core.Logger.
//
// Design:
//   - JSON format in Kubernetes (auto-detected), text for local dev
//   - Level and format driven by environment, overridable at runtime
//   - Error logs are rate-limited to prevent flooding during failures
//   - Safe for concurrent use
//
// Configuration priority:
//  1. Explicit setters (highest)
//  2. Environment variables (QUORRA_LOG_LEVEL, QUORRA_DEBUG, QUORRA_LOG_FORMAT)
//  3. Auto-detection (K8s environment)
//  4. Defaults (lowest)
type Logger struct {
	level       string
	debug       bool
	serviceName string
	component   string
	format      string
	output      io.Writer
	mu          sync.RWMutex

	errorLimiter *RateLimiter
}

// NewLogger creates a logger for the named service.
func NewLogger(serviceName string) *Logger {
	level := os.Getenv("QUORRA_LOG_LEVEL")
	if level == "" {
		level = "INFO"
	}

	debug := os.Getenv("QUORRA_DEBUG") == "true" ||
		strings.ToUpper(level) == "DEBUG"

	format := "text"
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		format = "json" // JSON in K8s for log aggregation
	}
	if envFormat := os.Getenv("QUORRA_LOG_FORMAT"); envFormat != "" {
		format = envFormat
	}

	return &Logger{
		level:        strings.ToUpper(level),
		debug:        debug,
		serviceName:  serviceName,
		format:       format,
		output:       os.Stdout,
		errorLimiter: NewRateLimiter(1 * time.Second), // max 1 error log per second
	}
}

// WithComponent returns a logger that attributes entries to a component
// (e.g. "gateway", "orchestration/planner"). The underlying output, level
// and limiter are shared.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		level:        l.level,
		debug:        l.debug,
		serviceName:  l.serviceName,
		component:    component,
		format:       l.format,
		output:       l.output,
		errorLimiter: l.errorLimiter,
	}
}

// Info logs informational messages
func (l *Logger) Info(msg string, fields map[string]interface{}) {
	l.log("INFO", msg, fields)
}

// Warn logs warning messages
func (l *Logger) Warn(msg string, fields map[string]interface{}) {
	l.log("WARN", msg, fields)
}

// Error logs error messages with rate limiting
func (l *Logger) Error(msg string, fields map[string]interface{}) {
	if l.errorLimiter != nil && !l.errorLimiter.Allow() {
		return
	}
	l.log("ERROR", msg, fields)
}

// Debug logs debug messages (only when debug mode is enabled)
func (l *Logger) Debug(msg string, fields map[string]interface{}) {
	if !l.debug {
		return
	}
	l.log("DEBUG", msg, fields)
}

func (l *Logger) log(level, msg string, fields map[string]interface{}) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if !l.shouldLog(level) {
		return
	}

	timestamp := time.Now().Format(time.RFC3339)
	if l.format == "json" {
		l.logJSON(timestamp, level, msg, fields)
	} else {
		l.logText(timestamp, level, msg, fields)
	}
}

func (l *Logger) logJSON(timestamp, level, msg string, fields map[string]interface{}) {
	logEntry := map[string]interface{}{
		"timestamp": timestamp,
		"level":     level,
		"service":   l.serviceName,
		"message":   msg,
	}
	if l.component != "" {
		logEntry["component"] = l.component
	}
	for k, v := range fields {
		if k != "timestamp" && k != "level" && k != "service" && k != "component" && k != "message" {
			logEntry[k] = v
		}
	}
	if data, err := json.Marshal(logEntry); err == nil {
		fmt.Fprintln(l.output, string(data))
	}
}

func (l *Logger) logText(timestamp, level, msg string, fields map[string]interface{}) {
	var fieldStr strings.Builder
	if len(fields) > 0 {
		fieldStr.WriteString(" ")
		// Surface the operation and error fields first for readability
		if op, ok := fields["operation"]; ok {
			fieldStr.WriteString(fmt.Sprintf("operation=%v ", op))
		}
		if err, ok := fields["error"]; ok {
			fieldStr.WriteString(fmt.Sprintf("error=%q ", err))
		}
		for k, v := range fields {
			if k == "operation" || k == "error" {
				continue
			}
			fieldStr.WriteString(fmt.Sprintf("%s=%v ", k, v))
		}
	}

	name := l.serviceName
	if l.component != "" {
		name = l.serviceName + "/" + l.component
	}
	fmt.Fprintf(l.output, "%s [%s] [%s] %s%s\n",
		timestamp, level, name, msg, fieldStr.String())
}

func (l *Logger) shouldLog(level string) bool {
	levels := map[string]int{
		"DEBUG": 0,
		"INFO":  1,
		"WARN":  2,
		"ERROR": 3,
	}
	currentLevel, ok1 := levels[l.level]
	messageLevel, ok2 := levels[level]
	if !ok1 || !ok2 {
		return true
	}
	return messageLevel >= currentLevel
}

// SetLevel dynamically updates the log level
func (l *Logger) SetLevel(level string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = strings.ToUpper(level)
	l.debug = l.level == "DEBUG"
}

// SetOutput changes the output writer (useful for testing)
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.output = w
}
