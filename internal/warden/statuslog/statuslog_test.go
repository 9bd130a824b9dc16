package statuslog

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"
)

func readEvents(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = f.Close() }()
	var out []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var ev map[string]any
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			t.Fatalf("decode %q: %v", sc.Text(), err)
		}
		out = append(out, ev)
	}
	return out
}

func TestLog_AppendsStampedEvents(t *testing.T) {
	p := filepath.Join(t.TempDir(), "logs", "warden.ndjson")
	l := Open(p)
	l.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }

	if err := l.Event("relax_escalate", "stage", "relaxed1", "floor", 150); err != nil {
		t.Fatal(err)
	}
	if err := l.Append(map[string]any{"event": "custom", "ts": "keep"}); err != nil {
		t.Fatal(err)
	}
	evs := readEvents(t, p)
	if len(evs) != 2 {
		t.Fatalf("events=%d", len(evs))
	}
	if evs[0]["event"] != "relax_escalate" || evs[0]["stage"] != "relaxed1" || evs[0]["floor"] != float64(150) {
		t.Fatalf("ev0=%v", evs[0])
	}
	if evs[0]["ts"] != "2024-05-01T12:00:00Z" || evs[1]["ts"] != "keep" {
		t.Fatalf("timestamps: %v / %v", evs[0]["ts"], evs[1]["ts"])
	}
}

func TestLog_NilDiscards(t *testing.T) {
	var l *Log
	if err := l.Event("x"); err != nil {
		t.Fatal(err)
	}
	if Open("  ") != nil {
		t.Fatal("blank path should disable the log")
	}
}

func TestPatch_AppliesBack(t *testing.T) {
	before := "$rem\n   jobtype  opt\n$end\n"
	after := "$rem\n   jobtype  opt\n   max_scf_cycles  200\n$end\n"
	text := Patch(before, after)
	if text == "" || Patch(before, before) != "" {
		t.Fatalf("patch=%q", text)
	}
	dmp := diffmatchpatch.New()
	patches, err := dmp.PatchFromText(text)
	if err != nil {
		t.Fatalf("PatchFromText: %v", err)
	}
	got, applied := dmp.PatchApply(patches, before)
	for _, ok := range applied {
		if !ok {
			t.Fatal("patch hunk failed to apply")
		}
	}
	if got != after {
		t.Fatalf("applied=%q", got)
	}
}

func TestLog_EditSkipsNoop(t *testing.T) {
	p := filepath.Join(t.TempDir(), "warden.ndjson")
	l := Open(p)
	if err := l.Edit("mol.qcinp", "a", "a"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(p); !os.IsNotExist(err) {
		t.Fatalf("noop edit should not create the log: %v", err)
	}
	if err := l.Edit("mol.qcinp", "a\n", "b\n"); err != nil {
		t.Fatal(err)
	}
	evs := readEvents(t, p)
	if len(evs) != 1 || !strings.Contains(evs[0]["patch"].(string), "@@") {
		t.Fatalf("events=%v", evs)
	}
}
