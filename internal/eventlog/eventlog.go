// Package eventlog writes structured JSON event lines alongside the
// component-prefixed log output.
package eventlog

import (
	"io"
	"log"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Logger emits one JSON object per event. A nil *Logger discards events.
type Logger struct {
	component    string
	instanceName string

	mu  sync.Mutex
	out *log.Logger
	now func() time.Time
}

// New creates a logger writing through the standard logger.
func New(component, instanceName string) *Logger {
	return &Logger{
		component:    component,
		instanceName: instanceName,
		out:          log.Default(),
		now:          time.Now,
	}
}

// NewWriter creates a logger writing bare JSON lines to w (no log prefix or
// timestamp), which is what tests and machine consumers want.
func NewWriter(w io.Writer, component, instanceName string) *Logger {
	return &Logger{
		component:    component,
		instanceName: instanceName,
		out:          log.New(w, "", 0),
		now:          time.Now,
	}
}

// Event logs an info-level event.
func (l *Logger) Event(eventType string, data map[string]interface{}) {
	l.emit("info", eventType, data)
}

// Warn logs a warn-level event.
func (l *Logger) Warn(eventType string, data map[string]interface{}) {
	l.emit("warn", eventType, data)
}

func (l *Logger) emit(level, eventType string, data map[string]interface{}) {
	if l == nil {
		return
	}

	fields := make(map[string]interface{}, len(data)+5)
	for k, v := range data {
		fields[k] = v
	}
	fields["timestamp"] = l.now().UTC().Format(time.RFC3339)
	fields["level"] = level
	fields["component"] = l.component
	fields["event_type"] = eventType
	fields["instance"] = l.instanceName

	jsonData, err := json.Marshal(fields)
	if err != nil {
		log.Printf("[%s] Failed to marshal log event: %v", l.component, err)
		return
	}

	l.mu.Lock()
	l.out.Println(string(jsonData))
	l.mu.Unlock()
}
