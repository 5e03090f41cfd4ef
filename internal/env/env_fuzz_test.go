package env

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
)

// FuzzMerge checks that the composed worker environment is sorted, has one
// entry per key and keeps literal values untouched.
func FuzzMerge(f *testing.F) {
	f.Add("FFREPORT=level=32\nTZ=UTC", "TZ=Asia/Seoul")
	f.Add("A=1\nB=${A}-x", "C=${B}-y")
	f.Add("X=${Y}", "Y=${X}")
	f.Add("=novalue\n  \nK", "K=")

	f.Fuzz(func(t *testing.T, base, extra string) {
		basePairs := lines(base, 20)
		extraPairs := lines(extra, 20)
		out := New().WithoutOS().WithPairs(basePairs).Merge(extraPairs)

		if !sort.StringsAreSorted(out) {
			t.Fatalf("not sorted: %q", out)
		}
		seen := make(map[string]bool)
		for _, kv := range out {
			k, _, ok := strings.Cut(kv, "=")
			if !ok || strings.TrimSpace(k) == "" {
				t.Fatalf("bad pair: %q", kv)
			}
			if seen[k] {
				t.Fatalf("duplicate key %q in %q", k, out)
			}
			seen[k] = true
		}

		if strings.Contains(base+extra, "$") {
			return
		}
		want := make(map[string]string)
		for _, kv := range append(basePairs, extraPairs...) {
			if k, v, ok := split(kv); ok {
				want[k] = v
			}
		}
		if len(want) != len(out) {
			t.Fatalf("got %d entries, want %d", len(out), len(want))
		}
		for _, kv := range out {
			k, v, _ := strings.Cut(kv, "=")
			if want[k] != v {
				t.Fatalf("%s: got %q, want %q", k, v, want[k])
			}
		}
	})
}

// FuzzLoadFile checks that env files never yield comments or keyless entries.
func FuzzLoadFile(f *testing.F) {
	f.Add("# ffmpeg\nFFREPORT=file=/tmp/ff.log\n\n  TZ = UTC  ")
	f.Add("=x\n#=y\nnoequals")

	f.Fuzz(func(t *testing.T, content string) {
		path := filepath.Join(t.TempDir(), "ffmpeg.env")
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatal(err)
		}
		pairs, err := LoadFile(path)
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		for _, kv := range pairs {
			k, _, ok := strings.Cut(kv, "=")
			if !ok || k == "" || k != strings.TrimSpace(k) || strings.HasPrefix(k, "#") {
				t.Fatalf("bad pair %q from %q", kv, content)
			}
		}
	})
}

func lines(s string, limit int) []string {
	var out []string
	for _, ln := range strings.Split(s, "\n") {
		if ln = strings.TrimSpace(ln); ln != "" {
			out = append(out, ln)
		}
		if len(out) == limit {
			break
		}
	}
	return out
}
