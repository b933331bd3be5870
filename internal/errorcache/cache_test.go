package errorcache

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := New(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c
}

func TestAddPatternIdempotence(t *testing.T) {
	c := newTestCache(t)

	p := ErrorPattern{
		PatternID:      "ruff_E501_1234",
		ErrorType:      "ruff",
		ErrorCode:      "E501",
		MessagePattern: "line too long (82 > 79)",
		CommonFixes:    []string{"shorten the line"},
		AutoFixable:    true,
	}

	c.AddPattern(p)
	c.AddPattern(p)

	got := c.GetPattern("ruff_E501_1234")
	if got == nil {
		t.Fatal("pattern not found after add")
	}
	if got.Frequency != 2 {
		t.Errorf("Frequency = %d, want 2", got.Frequency)
	}
	if len(got.CommonFixes) != 1 {
		t.Errorf("CommonFixes = %v, want single deduplicated entry", got.CommonFixes)
	}
	if got.LastSeen == 0 {
		t.Error("LastSeen not set")
	}
}

func TestAddPatternMergesFixes(t *testing.T) {
	c := newTestCache(t)

	c.AddPattern(ErrorPattern{PatternID: "p1", ErrorType: "ruff", CommonFixes: []string{"a"}})
	c.AddPattern(ErrorPattern{PatternID: "p1", ErrorType: "ruff", CommonFixes: []string{"a", "b"}})

	got := c.GetPattern("p1")
	if len(got.CommonFixes) != 2 {
		t.Errorf("CommonFixes = %v, want [a b]", got.CommonFixes)
	}
}

func TestAddFixResultMarksAutoFixable(t *testing.T) {
	c := newTestCache(t)

	c.AddPattern(ErrorPattern{PatternID: "p1", ErrorType: "pyright", AutoFixable: false})
	c.AddFixResult(FixResult{FixID: "fix-1", PatternID: "p1", Success: true, TimeTaken: 0.5})

	got := c.GetPattern("p1")
	if !got.AutoFixable {
		t.Error("pattern not marked auto_fixable after successful fix")
	}
	found := false
	for _, f := range got.CommonFixes {
		if f == "Applied fix: fix-1" {
			found = true
		}
	}
	if !found {
		t.Errorf("synthetic fix note missing, CommonFixes = %v", got.CommonFixes)
	}
}

func TestFixSuccessRate(t *testing.T) {
	c := newTestCache(t)

	if rate := c.FixSuccessRate("unknown"); rate != 0 {
		t.Errorf("rate for unknown pattern = %v, want 0", rate)
	}

	c.AddPattern(ErrorPattern{PatternID: "p1", ErrorType: "ruff"})
	c.AddFixResult(FixResult{FixID: "f1", PatternID: "p1", Success: true})
	c.AddFixResult(FixResult{FixID: "f2", PatternID: "p1", Success: false})

	if rate := c.FixSuccessRate("p1"); rate != 0.5 {
		t.Errorf("rate = %v, want 0.5", rate)
	}
}

func TestQueries(t *testing.T) {
	c := newTestCache(t)

	c.AddPattern(ErrorPattern{PatternID: "a", ErrorType: "ruff", ErrorCode: "E501", AutoFixable: true})
	c.AddPattern(ErrorPattern{PatternID: "b", ErrorType: "pyright", ErrorCode: "reportGeneralTypeIssues"})
	c.AddPattern(ErrorPattern{PatternID: "a", ErrorType: "ruff", ErrorCode: "E501"})

	if got := c.FindByType("ruff"); len(got) != 1 {
		t.Errorf("FindByType(ruff) = %d patterns, want 1", len(got))
	}
	if got := c.FindByCode("E501"); len(got) != 1 {
		t.Errorf("FindByCode(E501) = %d patterns, want 1", len(got))
	}
	if got := c.AutoFixableOnly(); len(got) != 1 {
		t.Errorf("AutoFixableOnly = %d, want 1", len(got))
	}

	top := c.TopByFrequency(10)
	if len(top) != 2 || top[0].PatternID != "a" {
		t.Errorf("TopByFrequency order wrong: %+v", top)
	}
}

func TestRecentAndCleanup(t *testing.T) {
	c := newTestCache(t)

	old := float64(time.Now().Add(-72 * time.Hour).Unix())
	c.AddPattern(ErrorPattern{PatternID: "old", ErrorType: "ruff", LastSeen: old})
	c.AddPattern(ErrorPattern{PatternID: "new", ErrorType: "ruff"})

	if got := c.Recent(24); len(got) != 1 || got[0].PatternID != "new" {
		t.Errorf("Recent(24) = %+v, want only the new pattern", got)
	}

	if removed := c.CleanupOld(2); removed != 1 {
		t.Errorf("CleanupOld removed %d, want 1", removed)
	}
	if c.GetPattern("old") != nil {
		t.Error("old pattern survived cleanup")
	}
}

func TestAnalyzeOutputRuff(t *testing.T) {
	c := newTestCache(t)

	line := "src/a.py:10:80: E501 line too long (82 > 79)"
	got := c.AnalyzeOutput(line, "ruff")
	if len(got) != 1 {
		t.Fatalf("AnalyzeOutput returned %d patterns, want 1", len(got))
	}
	p := got[0]
	if p.ErrorType != "ruff" {
		t.Errorf("ErrorType = %q, want ruff", p.ErrorType)
	}
	if p.ErrorCode != "E501" {
		t.Errorf("ErrorCode = %q, want E501", p.ErrorCode)
	}
	if p.MessagePattern != "line too long (82 > 79)" {
		t.Errorf("MessagePattern = %q", p.MessagePattern)
	}
	if !p.AutoFixable {
		t.Error("ruff pattern should be auto-fixable")
	}

	// Identical output increments frequency without creating a second entry.
	again := c.AnalyzeOutput(line, "ruff")
	if len(again) != 1 {
		t.Fatalf("second AnalyzeOutput returned %d patterns", len(again))
	}
	if again[0].Frequency != 2 {
		t.Errorf("Frequency after repeat = %d, want 2", again[0].Frequency)
	}
	if len(c.TopByFrequency(0)) != 1 {
		t.Error("duplicate pattern entry created")
	}
}

func TestExtractRuffInfo(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		wantCode string
		wantMsg  string
	}{
		{
			name:     "standard ruff line",
			line:     "src/a.py:10:80: E501 line too long (82 > 79)",
			wantCode: "E501",
			wantMsg:  "line too long (82 > 79)",
		},
		{
			name:     "code with message containing colons",
			line:     "pkg/b.py:3:1: F401 'os' imported but unused: remove it",
			wantCode: "F401",
			wantMsg:  "'os' imported but unused: remove it",
		},
		{
			name:     "non-numeric location falls through",
			line:     "not:a:ruff: line at all",
			wantCode: "",
			wantMsg:  "not:a:ruff: line at all",
		},
		{
			name:     "lowercase code falls through",
			line:     "src/a.py:1:2: warning something odd",
			wantCode: "",
			wantMsg:  "src/a.py:1:2: warning something odd",
		},
		{
			name:     "too few segments falls through",
			line:     "just a message",
			wantCode: "",
			wantMsg:  "just a message",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, msg := extractRuffInfo(tt.line)
			if code != tt.wantCode {
				t.Errorf("code = %q, want %q", code, tt.wantCode)
			}
			if msg != tt.wantMsg {
				t.Errorf("msg = %q, want %q", msg, tt.wantMsg)
			}
		})
	}
}

func TestAnalyzeOutputPyright(t *testing.T) {
	c := newTestCache(t)

	out := `src/b.py:4:1 -error: Cannot assign to "x" (reportGeneralTypeIssues)`
	got := c.AnalyzeOutput(out, "pyright")
	if len(got) != 1 {
		t.Fatalf("got %d patterns, want 1", len(got))
	}
	if got[0].ErrorCode != "reportGeneralTypeIssues" {
		t.Errorf("ErrorCode = %q", got[0].ErrorCode)
	}
	if got[0].AutoFixable {
		t.Error("pyright pattern should not be auto-fixable")
	}
}

func TestAnalyzeOutputBandit(t *testing.T) {
	c := newTestCache(t)

	out := "Issue: Use of insecure MD5 hash function  Test: B303"
	got := c.AnalyzeOutput(out, "bandit")
	if len(got) != 1 {
		t.Fatalf("got %d patterns, want 1", len(got))
	}
	if got[0].ErrorCode != "B303" {
		t.Errorf("ErrorCode = %q, want B303", got[0].ErrorCode)
	}
	if got[0].MessagePattern != "Use of insecure MD5 hash function" {
		t.Errorf("MessagePattern = %q", got[0].MessagePattern)
	}
}

func TestAnalyzeOutputSkipsNoise(t *testing.T) {
	c := newTestCache(t)

	got := c.AnalyzeOutput("short\n\n12345\n\n", "unknown")
	if len(got) != 0 {
		t.Errorf("noise produced %d patterns: %+v", len(got), got)
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()

	c1, err := New(dir, 0)
	if err != nil {
		t.Fatal(err)
	}
	c1.AddPattern(ErrorPattern{PatternID: "p1", ErrorType: "ruff", ErrorCode: "F401"})
	c1.AddFixResult(FixResult{FixID: "f1", PatternID: "p1", Success: true})

	c2, err := New(dir, 0)
	if err != nil {
		t.Fatal(err)
	}
	got := c2.GetPattern("p1")
	if got == nil || got.ErrorCode != "F401" {
		t.Fatalf("pattern not reloaded: %+v", got)
	}
	if !got.AutoFixable {
		t.Error("auto_fixable flag lost across reload")
	}
	stats := c2.Stats()
	if stats.TotalFixes != 1 || stats.SuccessfulFixes != 1 {
		t.Errorf("fix results not reloaded: %+v", stats)
	}
}

func TestLoadResetsOnCorruptFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "error_patterns.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	c, err := New(dir, 0)
	if err != nil {
		t.Fatalf("New() error = %v, want graceful reset", err)
	}
	if got := c.Stats(); got.TotalPatterns != 0 {
		t.Errorf("TotalPatterns = %d after corrupt load, want 0", got.TotalPatterns)
	}
}

func TestEvictionOverCap(t *testing.T) {
	c, err := New(t.TempDir(), 2)
	if err != nil {
		t.Fatal(err)
	}

	c.AddPattern(ErrorPattern{PatternID: "oldest", ErrorType: "ruff", LastSeen: 100})
	c.AddPattern(ErrorPattern{PatternID: "middle", ErrorType: "ruff", LastSeen: 200})
	c.AddPattern(ErrorPattern{PatternID: "newest", ErrorType: "ruff", LastSeen: 300})

	if got := c.Stats().TotalPatterns; got != 2 {
		t.Fatalf("TotalPatterns = %d, want 2 after eviction", got)
	}
	if c.GetPattern("oldest") != nil {
		t.Error("least-recently-seen pattern survived eviction")
	}
	if c.GetPattern("newest") == nil {
		t.Error("newest pattern evicted")
	}
}

func TestExport(t *testing.T) {
	c := newTestCache(t)
	c.AddPattern(ErrorPattern{PatternID: "p1", ErrorType: "ruff"})

	path := filepath.Join(t.TempDir(), "export.json")
	if err := c.Export(path); err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"export_time", "total_patterns", "patterns", "fix_results", "stats"} {
		if !strings.Contains(string(data), want) {
			t.Errorf("export missing %q", want)
		}
	}
}
