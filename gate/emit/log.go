package emit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
)

// LogEmitter implements Emitter by writing structured log output to a
// writer.
//
// Supports two output modes:
//   - Text mode (default): human-readable key=value pairs
//   - JSON mode: machine-readable JSON, one event per line
//
// Example text output:
//
//	[cache_hit] session=3 agent=reviewer seq=2 checkpoint=draft
//
// Example JSON output:
//
//	{"session":3,"agent":"reviewer","seq":2,"checkpoint":"draft","kind":"cache_hit","msg":"","meta":null}
type LogEmitter struct {
	mu       sync.Mutex
	writer   io.Writer
	jsonMode bool
}

// NewLogEmitter creates a LogEmitter.
//
// Parameters:
//   - writer: where to write the log output; nil defaults to os.Stdout
//   - jsonMode: if true, emit JSON lines; if false, emit text
func NewLogEmitter(writer io.Writer, jsonMode bool) *LogEmitter {
	if writer == nil {
		writer = os.Stdout
	}
	return &LogEmitter{
		writer:   writer,
		jsonMode: jsonMode,
	}
}

// Emit writes an event to the configured writer.
func (l *LogEmitter) Emit(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.jsonMode {
		l.emitJSON(event)
	} else {
		l.emitText(event)
	}
}

func (l *LogEmitter) emitJSON(event Event) {
	data, err := json.Marshal(struct {
		Session    int                    `json:"session"`
		Agent      string                 `json:"agent"`
		Seq        int                    `json:"seq"`
		Checkpoint string                 `json:"checkpoint"`
		Kind       string                 `json:"kind"`
		Msg        string                 `json:"msg"`
		Meta       map[string]interface{} `json:"meta"`
	}{
		Session:    event.Session,
		Agent:      event.Agent,
		Seq:        event.Seq,
		Checkpoint: event.Checkpoint,
		Kind:       event.Kind,
		Msg:        event.Msg,
		Meta:       event.Meta,
	})
	if err != nil {
		fmt.Fprintf(l.writer, "{\"error\":\"failed to marshal event: %v\"}\n", err)
		return
	}
	fmt.Fprintf(l.writer, "%s\n", data)
}

func (l *LogEmitter) emitText(event Event) {
	fmt.Fprintf(l.writer, "[%s] session=%d agent=%s seq=%d",
		event.Kind, event.Session, event.Agent, event.Seq)
	if event.Checkpoint != "" {
		fmt.Fprintf(l.writer, " checkpoint=%s", event.Checkpoint)
	}
	if event.Msg != "" {
		fmt.Fprintf(l.writer, " msg=%q", event.Msg)
	}
	if len(event.Meta) > 0 {
		metaJSON, err := json.Marshal(event.Meta)
		if err == nil {
			fmt.Fprintf(l.writer, " meta=%s", metaJSON)
		} else {
			fmt.Fprintf(l.writer, " meta=%v", event.Meta)
		}
	}
	fmt.Fprint(l.writer, "\n")
}
