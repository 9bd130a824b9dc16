package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danshapiro/simwarden/internal/warden/jobstate"
	"github.com/danshapiro/simwarden/internal/warden/runtime"
	"github.com/danshapiro/simwarden/internal/warden/watch"
)

func resetFlags() {
	rootFlags = struct {
		config    string
		dir       string
		family    string
		logLevel  string
		logFormat string
	}{dir: ".", logLevel: "error"}
	checkFlags.json = false
	statusFlags.json = false
	watchFlags.debounce = watch.DefaultDebounce
	watchFlags.interval = 0
}

func runCLI(t *testing.T, args ...string) (int, string) {
	t.Helper()
	resetFlags()

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	t.Cleanup(func() { rootCmd.SetOut(nil) })
	code := run(args)
	return code, out.String()
}

func writeJob(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestCLI_CheckCorrectStatus(t *testing.T) {
	dir := t.TempDir()
	writeJob(t, dir, map[string]string{
		"mol.qcinp": "$molecule\n 0 1\n He 0.0 0.0 0.0\n$end\n\n$rem\n jobtype sp\n$end\n",
		"mol.qcout": "  Welcome to Q-Chem\n Coordinates do not transform within specified threshold\n",
	})
	job := []string{"--dir", dir, "--family", "qchem"}

	code, out := runCLI(t, append([]string{"check"}, job...)...)
	if code != exitOK || strings.TrimSpace(out) != string(runtime.KindAutozError) {
		t.Fatalf("check: code=%d out=%q", code, out)
	}

	code, out = runCLI(t, append([]string{"correct"}, job...)...)
	if code != exitOK {
		t.Fatalf("correct: code=%d out=%s", code, out)
	}
	var res runtime.CorrectionResult
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decode result: %v\n%s", err, out)
	}
	if len(res.Actions) != 1 || res.Actions[0].Method != "disable_symmetry" {
		t.Fatalf("result=%+v", res)
	}

	code, _ = runCLI(t, append([]string{"correct", "AutozError"}, job...)...)
	if code != exitOperator {
		t.Fatalf("exhausted correct: code=%d want %d", code, exitOperator)
	}

	code, out = runCLI(t, append([]string{"status", "--json"}, job...)...)
	if code != exitOK {
		t.Fatalf("status: code=%d", code)
	}
	var snap jobstate.Snapshot
	if err := json.Unmarshal([]byte(out), &snap); err != nil {
		t.Fatalf("decode status: %v\n%s", err, out)
	}
	if snap.State != jobstate.StateNeedsOperator || len(snap.Backups) != 2 {
		t.Fatalf("snapshot=%+v", snap)
	}
}

func TestCLI_NothingToCorrect(t *testing.T) {
	dir := t.TempDir()
	writeJob(t, dir, map[string]string{
		"mol.qcinp": "$molecule\nread\n$end\n",
		"mol.qcout": "  Welcome to Q-Chem\n Thank you very much for using Q-Chem.\n",
	})
	code, out := runCLI(t, "correct", "--dir", dir, "--family", "qchem")
	if code != exitOK || strings.TrimSpace(out) != "nothing to correct" {
		t.Fatalf("code=%d out=%q", code, out)
	}
	if _, err := os.Stat(filepath.Join(dir, "error.1.tar.gz")); !os.IsNotExist(err) {
		t.Fatalf("no backup expected: %v", err)
	}
}

func TestCLI_Validate(t *testing.T) {
	dir := t.TempDir()
	writeJob(t, dir, map[string]string{
		"control.in": "xc pbe\n",
		"run":        "  Leaving FHI-aims.\n          Have a nice day.\n",
	})
	code, out := runCLI(t, "validate", "--dir", dir, "--family", "aims")
	if code != exitOK || strings.TrimSpace(out) != "ok" {
		t.Fatalf("code=%d out=%q", code, out)
	}

	writeJob(t, dir, map[string]string{"run": "  SCF cycle 3\n"})
	code, out = runCLI(t, "validate", "--dir", dir, "--family", "aims")
	if code != exitOperator || !strings.Contains(out, "success_marker") {
		t.Fatalf("code=%d out=%q", code, out)
	}
}

func TestCLI_Errors(t *testing.T) {
	cases := [][]string{
		{"check"},
		{"check", "--family", "vasp", "--dir", t.TempDir()},
		{"correct", "bogus", "--family", "qchem", "--dir", t.TempDir()},
		{"check", "--config", filepath.Join(t.TempDir(), "missing.yaml")},
	}
	for _, args := range cases {
		if code, _ := runCLI(t, args...); code != exitError {
			t.Errorf("%v: code=%d want %d", args, code, exitError)
		}
	}
}

func TestCLI_WatchReportsFrozenJob(t *testing.T) {
	dir := t.TempDir()
	writeJob(t, dir, map[string]string{
		"control.in":     "xc pbe\n",
		"run":            "  SCF cycle 3\n",
		"simwarden.yaml": "family: aims\nstaleness:\n  timeout_seconds: 60\nlogging:\n  level: error\n",
	})
	old := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(filepath.Join(dir, "run"), old, old); err != nil {
		t.Fatal(err)
	}

	resetFlags()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	t.Cleanup(func() { rootCmd.SetOut(nil) })
	rootCmd.SetArgs([]string{"watch", "--config", filepath.Join(dir, "simwarden.yaml"), "--interval", "20ms"})
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	watchCmd.SetContext(ctx)
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		t.Fatalf("watch: %v", err)
	}
	if !strings.Contains(out.String(), string(runtime.KindFrozenJob)) {
		t.Fatalf("watch output=%q", out.String())
	}
}

func TestPollInterval(t *testing.T) {
	cases := []struct {
		flag, timeout, want time.Duration
	}{
		{0, time.Hour, time.Minute},
		{0, 2 * time.Minute, 30 * time.Second},
		{0, 0, 0},
		{0, -time.Second, 0},
		{5 * time.Second, time.Hour, 5 * time.Second},
	}
	for _, tc := range cases {
		if got := pollInterval(tc.flag, tc.timeout); got != tc.want {
			t.Errorf("pollInterval(%s, %s)=%s want %s", tc.flag, tc.timeout, got, tc.want)
		}
	}
}
