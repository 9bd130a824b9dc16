// Package statuslog appends post-mortem events for a job as NDJSON. The log
// is write-only: nothing in simwarden reads it back to make decisions.
package statuslog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Log is an append-only NDJSON file. A nil *Log discards everything.
type Log struct {
	path string
	now  func() time.Time

	mu sync.Mutex
}

func Open(path string) *Log {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	return &Log{path: path, now: time.Now}
}

func (l *Log) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Append writes ev as one line, stamping "ts" when the caller did not.
func (l *Log) Append(ev map[string]any) error {
	if l == nil {
		return nil
	}
	line := make(map[string]any, len(ev)+1)
	for k, v := range ev {
		line[k] = v
	}
	if _, ok := line["ts"]; !ok {
		line["ts"] = l.now().UTC().Format(time.RFC3339Nano)
	}
	b, err := json.Marshal(line)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(b, '\n')); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// Event is a shorthand for Append with an "event" name plus key/value pairs.
func (l *Log) Event(name string, kv ...any) error {
	ev := map[string]any{"event": name}
	for i := 0; i+1 < len(kv); i += 2 {
		ev[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return l.Append(ev)
}

// Edit records a file edit together with its patch text.
func (l *Log) Edit(file, before, after string) error {
	if before == after {
		return nil
	}
	return l.Append(map[string]any{
		"event": "input_edit",
		"file":  file,
		"patch": Patch(before, after),
	})
}

// Patch returns a diff-match-patch textual patch turning before into after.
func Patch(before, after string) string {
	if before == after {
		return ""
	}
	dmp := diffmatchpatch.New()
	return dmp.PatchToText(dmp.PatchMake(before, after))
}
