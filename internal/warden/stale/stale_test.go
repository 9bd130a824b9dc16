package stale

import (
	"testing"
	"time"
)

func TestEvaluate(t *testing.T) {
	mod := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	cases := []struct {
		name    string
		timeout time.Duration
		now     time.Time
		frozen  bool
		age     time.Duration
	}{
		{"fresh", time.Hour, mod.Add(30 * time.Minute), false, 30 * time.Minute},
		{"exactly at timeout", time.Hour, mod.Add(time.Hour), false, time.Hour},
		{"past timeout", time.Hour, mod.Add(time.Hour + time.Second), true, time.Hour + time.Second},
		{"disabled", 0, mod.Add(100 * time.Hour), false, 100 * time.Hour},
		{"negative disables", -time.Second, mod.Add(100 * time.Hour), false, 100 * time.Hour},
		{"clock behind file", time.Hour, mod.Add(-time.Hour), false, 0},
	}
	for _, tc := range cases {
		res := Evaluate(mod, tc.timeout, tc.now)
		if res.Frozen != tc.frozen || res.Age != tc.age || !res.ModTime.Equal(mod) {
			t.Fatalf("%s: got %+v want frozen=%v age=%s", tc.name, res, tc.frozen, tc.age)
		}
	}
}
