package fs

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNewIgnoreMatcher(t *testing.T) {
	t.Run("skips blank lines and comments", func(t *testing.T) {
		t.Parallel()
		m := NewIgnoreMatcher([]string{"", "  ", "# comment", "*.log"})
		if len(m.patterns) != 1 {
			t.Fatalf("expected 1 pattern, got %d", len(m.patterns))
		}
		if m.patterns[0].pattern != "*.log" {
			t.Errorf("expected *.log, got %s", m.patterns[0].pattern)
		}
	})

	t.Run("parses pattern modifiers", func(t *testing.T) {
		t.Parallel()
		m := NewIgnoreMatcher([]string{"cache/", "!keep.log", "/build/out", "/"})
		if len(m.patterns) != 3 {
			t.Fatalf("expected 3 patterns, got %d", len(m.patterns))
		}
		if !m.patterns[0].dirOnly || m.patterns[0].pattern != "cache" {
			t.Errorf("cache/ parsed as %+v", m.patterns[0])
		}
		if !m.patterns[1].negate || m.patterns[1].pattern != "keep.log" {
			t.Errorf("!keep.log parsed as %+v", m.patterns[1])
		}
		if !m.patterns[2].matchPath || m.patterns[2].pattern != "build/out" {
			t.Errorf("/build/out parsed as %+v", m.patterns[2])
		}
	})
}

func TestIgnoreMatcher_Match(t *testing.T) {
	tests := []struct {
		name     string
		patterns []string
		path     string
		isDir    bool
		want     bool
	}{
		{name: "basename glob in root", patterns: []string{"*.log"}, path: "app.log", want: true},
		{name: "basename glob in subdirectory", patterns: []string{"*.log"}, path: filepath.Join("sub", "app.log"), want: true},
		{name: "basename glob other extension", patterns: []string{"*.log"}, path: "app.txt", want: false},
		{name: "path pattern exact", patterns: []string{"build/output"}, path: filepath.Join("build", "output"), want: true},
		{name: "path pattern wrong parent", patterns: []string{"build/output"}, path: filepath.Join("src", "output"), want: false},
		{name: "dir-only pattern matches directory", patterns: []string{"cache/"}, path: "cache", isDir: true, want: true},
		{name: "dir-only pattern skips file", patterns: []string{"cache/"}, path: "cache", want: false},
		{name: "negation re-includes", patterns: []string{"*.log", "!keep.log"}, path: "keep.log", want: false},
		{name: "negation only affects its match", patterns: []string{"*.log", "!keep.log"}, path: "drop.log", want: true},
		{name: "later pattern wins", patterns: []string{"!keep.log", "*.log"}, path: "keep.log", want: true},
		{name: "no patterns", patterns: nil, path: "anything.txt", want: false},
		{name: "empty path", patterns: []string{"*"}, path: "", want: false},
		{name: "bad pattern is skipped", patterns: []string{"[", "*.tmp"}, path: "x.tmp", want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m := NewIgnoreMatcher(tt.patterns)
			if got := m.Match(tt.path, tt.isDir); got != tt.want {
				t.Errorf("Match(%q, %v) = %v, want %v", tt.path, tt.isDir, got, tt.want)
			}
		})
	}

	t.Run("nil matcher ignores nothing", func(t *testing.T) {
		t.Parallel()
		var m *IgnoreMatcher
		if m.Match("a.log", false) {
			t.Error("nil matcher matched")
		}
	})
}

func TestLoadIgnoreMatcher(t *testing.T) {
	t.Run("merges file and configured patterns", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		content := "*.tmp\n# comment\n\ncache/\n"
		if err := os.WriteFile(filepath.Join(dir, IgnoreFileName), []byte(content), 0644); err != nil {
			t.Fatalf("writing ignore file: %v", err)
		}

		m, err := LoadIgnoreMatcher(dir, []string{"*.log"})
		if err != nil {
			t.Fatalf("LoadIgnoreMatcher() error = %v", err)
		}
		for _, tc := range []struct {
			path  string
			isDir bool
			want  bool
		}{
			{IgnoreFileName, false, true},
			{"a.log", false, true},
			{"a.tmp", false, true},
			{"cache", true, true},
			{"a.txt", false, false},
		} {
			if got := m.Match(tc.path, tc.isDir); got != tc.want {
				t.Errorf("Match(%q) = %v, want %v", tc.path, got, tc.want)
			}
		}
	})

	t.Run("works without an ignore file", func(t *testing.T) {
		t.Parallel()
		m, err := LoadIgnoreMatcher(t.TempDir(), nil)
		if err != nil {
			t.Fatalf("LoadIgnoreMatcher() error = %v", err)
		}
		if !m.Match(IgnoreFileName, false) {
			t.Errorf("ignore file itself should always be excluded")
		}
	})
}

func TestParseIgnoreFile(t *testing.T) {
	t.Run("returns raw lines", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), IgnoreFileName)
		if err := os.WriteFile(path, []byte("*.log\n# comment\n\n*.tmp\n"), 0644); err != nil {
			t.Fatalf("writing test file: %v", err)
		}
		lines, err := ParseIgnoreFile(path)
		if err != nil {
			t.Fatalf("ParseIgnoreFile() error = %v", err)
		}
		if len(lines) != 4 {
			t.Fatalf("expected 4 raw lines, got %d", len(lines))
		}
	})

	t.Run("returns nil for missing file", func(t *testing.T) {
		t.Parallel()
		lines, err := ParseIgnoreFile(filepath.Join(t.TempDir(), IgnoreFileName))
		if err != nil {
			t.Fatalf("ParseIgnoreFile() error = %v", err)
		}
		if lines != nil {
			t.Errorf("expected nil, got %v", lines)
		}
	})
}
