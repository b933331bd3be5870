package errorcache

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"
)

// ErrorPattern is a recurring tool-output pattern with its fix history
type ErrorPattern struct {
	PatternID      string   `json:"pattern_id"`
	ErrorType      string   `json:"error_type"`
	ErrorCode      string   `json:"error_code"`
	MessagePattern string   `json:"message_pattern"`
	FilePattern    string   `json:"file_pattern,omitempty"`
	CommonFixes    []string `json:"common_fixes"`
	AutoFixable    bool     `json:"auto_fixable"`
	Frequency      int      `json:"frequency"`
	LastSeen       float64  `json:"last_seen"`
}

// FixResult records one attempt to apply a fix for a pattern
type FixResult struct {
	FixID         string   `json:"fix_id"`
	PatternID     string   `json:"pattern_id"`
	Success       bool     `json:"success"`
	FilesAffected []string `json:"files_affected"`
	TimeTaken     float64  `json:"time_taken"`
	ErrorMessage  string   `json:"error_message,omitempty"`
}

// Stats summarises cache contents for the status surface
type Stats struct {
	TotalPatterns   int            `json:"total_patterns"`
	AutoFixable     int            `json:"auto_fixable_patterns"`
	TotalFixes      int            `json:"total_fixes"`
	SuccessfulFixes int            `json:"successful_fixes"`
	FixSuccessRate  float64        `json:"fix_success_rate"`
	PatternsByType  map[string]int `json:"patterns_by_type"`
}

const (
	patternsFile = "error_patterns.json"
	fixesFile    = "fix_results.json"
)

// Cache is a file-backed store of error patterns and fix outcomes.
// All mutations are serialised by a single mutex; disk write failures are
// swallowed so the in-memory view stays authoritative.
type Cache struct {
	mu         sync.Mutex
	cacheDir   string
	patterns   map[string]*ErrorPattern
	fixResults []FixResult
	maxEntries int
}

// New loads the cache from cacheDir, resetting the in-memory map on any
// parse failure.
func New(cacheDir string, maxEntries int) (*Cache, error) {
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache dir: %w", err)
	}
	if maxEntries <= 0 {
		maxEntries = 10000
	}

	c := &Cache{
		cacheDir:   cacheDir,
		patterns:   make(map[string]*ErrorPattern),
		maxEntries: maxEntries,
	}
	c.load()
	return c, nil
}

func (c *Cache) load() {
	if data, err := os.ReadFile(filepath.Join(c.cacheDir, patternsFile)); err == nil {
		var patterns map[string]*ErrorPattern
		if err := json.Unmarshal(data, &patterns); err != nil {
			slog.Warn("Error pattern file unreadable, resetting cache", "error", err)
			c.patterns = make(map[string]*ErrorPattern)
		} else {
			c.patterns = patterns
		}
	}

	if data, err := os.ReadFile(filepath.Join(c.cacheDir, fixesFile)); err == nil {
		var fixes []FixResult
		if err := json.Unmarshal(data, &fixes); err != nil {
			slog.Warn("Fix results file unreadable, resetting", "error", err)
			c.fixResults = nil
		} else {
			c.fixResults = fixes
		}
	}
}

// savePatterns and saveFixes are best-effort; callers hold the mutex.
func (c *Cache) savePatterns() {
	data, err := json.MarshalIndent(c.patterns, "", "  ")
	if err != nil {
		return
	}
	if err := os.WriteFile(filepath.Join(c.cacheDir, patternsFile), data, 0o644); err != nil {
		slog.Warn("Failed to persist error patterns", "error", err)
	}
}

func (c *Cache) saveFixes() {
	data, err := json.MarshalIndent(c.fixResults, "", "  ")
	if err != nil {
		return
	}
	if err := os.WriteFile(filepath.Join(c.cacheDir, fixesFile), data, 0o644); err != nil {
		slog.Warn("Failed to persist fix results", "error", err)
	}
}

// AddPattern inserts a pattern or, when the id exists, bumps frequency,
// refreshes last_seen, and set-unions common_fixes.
func (c *Cache) AddPattern(p ErrorPattern) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if p.Frequency < 1 {
		p.Frequency = 1
	}
	if p.LastSeen == 0 {
		p.LastSeen = float64(time.Now().Unix())
	}

	if existing, ok := c.patterns[p.PatternID]; ok {
		existing.Frequency++
		existing.LastSeen = float64(time.Now().Unix())
		existing.CommonFixes = mergeFixes(existing.CommonFixes, p.CommonFixes)
	} else {
		cp := p
		if cp.CommonFixes == nil {
			cp.CommonFixes = []string{}
		}
		c.patterns[p.PatternID] = &cp
		c.evictOverCapLocked()
	}

	c.savePatterns()
}

// evictOverCapLocked drops the least-recently-seen patterns once the map
// grows past maxEntries; callers hold the mutex.
func (c *Cache) evictOverCapLocked() {
	for len(c.patterns) > c.maxEntries {
		oldestID := ""
		oldest := 0.0
		for id, p := range c.patterns {
			if oldestID == "" || p.LastSeen < oldest {
				oldestID = id
				oldest = p.LastSeen
			}
		}
		delete(c.patterns, oldestID)
	}
}

func mergeFixes(existing, incoming []string) []string {
	seen := make(map[string]bool, len(existing))
	for _, f := range existing {
		seen[f] = true
	}
	for _, f := range incoming {
		if !seen[f] {
			existing = append(existing, f)
			seen[f] = true
		}
	}
	return existing
}

// AddFixResult appends a fix outcome. A successful fix marks the referenced
// pattern auto-fixable and records a synthetic fix note on it.
func (c *Cache) AddFixResult(r FixResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.fixResults = append(c.fixResults, r)

	if r.Success {
		if p, ok := c.patterns[r.PatternID]; ok {
			p.AutoFixable = true
			p.CommonFixes = mergeFixes(p.CommonFixes, []string{"Applied fix: " + r.FixID})
			c.savePatterns()
		}
	}

	c.saveFixes()
}

// GetPattern returns a copy of the pattern for id, or nil
func (c *Cache) GetPattern(patternID string) *ErrorPattern {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.patterns[patternID]; ok {
		cp := *p
		return &cp
	}
	return nil
}

// FindByType returns patterns whose error_type matches
func (c *Cache) FindByType(errorType string) []ErrorPattern {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []ErrorPattern
	for _, p := range c.patterns {
		if p.ErrorType == errorType {
			out = append(out, *p)
		}
	}
	return out
}

// FindByCode returns patterns whose error_code matches
func (c *Cache) FindByCode(errorCode string) []ErrorPattern {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []ErrorPattern
	for _, p := range c.patterns {
		if p.ErrorCode == errorCode {
			out = append(out, *p)
		}
	}
	return out
}

// TopByFrequency returns up to limit patterns ordered by descending frequency
func (c *Cache) TopByFrequency(limit int) []ErrorPattern {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ErrorPattern, 0, len(c.patterns))
	for _, p := range c.patterns {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Frequency > out[j].Frequency })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// AutoFixableOnly returns the patterns flagged auto_fixable
func (c *Cache) AutoFixableOnly() []ErrorPattern {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []ErrorPattern
	for _, p := range c.patterns {
		if p.AutoFixable {
			out = append(out, *p)
		}
	}
	return out
}

// FixSuccessRate returns successes/attempts for a pattern, 0 for unknown
func (c *Cache) FixSuccessRate(patternID string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	attempts, successes := 0, 0
	for _, r := range c.fixResults {
		if r.PatternID == patternID {
			attempts++
			if r.Success {
				successes++
			}
		}
	}
	if attempts == 0 {
		return 0
	}
	return float64(successes) / float64(attempts)
}

// Recent returns patterns seen within the last given hours
func (c *Cache) Recent(hours int) []ErrorPattern {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := float64(time.Now().Add(-time.Duration(hours) * time.Hour).Unix())
	var out []ErrorPattern
	for _, p := range c.patterns {
		if p.LastSeen >= cutoff {
			out = append(out, *p)
		}
	}
	return out
}

// CleanupOld drops patterns last seen before now - days and returns the count
func (c *Cache) CleanupOld(days int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := float64(time.Now().Unix()) - float64(days)*86400
	removed := 0
	for id, p := range c.patterns {
		if p.LastSeen < cutoff {
			delete(c.patterns, id)
			removed++
		}
	}
	if removed > 0 {
		c.savePatterns()
	}
	return removed
}

// Stats returns a summary of cache contents
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		TotalPatterns:  len(c.patterns),
		TotalFixes:     len(c.fixResults),
		PatternsByType: make(map[string]int),
	}
	for _, p := range c.patterns {
		if p.AutoFixable {
			s.AutoFixable++
		}
		s.PatternsByType[p.ErrorType]++
	}
	for _, r := range c.fixResults {
		if r.Success {
			s.SuccessfulFixes++
		}
	}
	if s.TotalFixes > 0 {
		s.FixSuccessRate = float64(s.SuccessfulFixes) / float64(s.TotalFixes)
	}
	return s
}

// Export writes a snapshot bundle of the whole cache to path
func (c *Cache) Export(path string) error {
	c.mu.Lock()
	patterns := make([]ErrorPattern, 0, len(c.patterns))
	for _, p := range c.patterns {
		patterns = append(patterns, *p)
	}
	fixes := make([]FixResult, len(c.fixResults))
	copy(fixes, c.fixResults)
	stats := Stats{
		TotalPatterns:  len(patterns),
		TotalFixes:     len(fixes),
		PatternsByType: make(map[string]int),
	}
	for _, p := range patterns {
		if p.AutoFixable {
			stats.AutoFixable++
		}
		stats.PatternsByType[p.ErrorType]++
	}
	for _, r := range fixes {
		if r.Success {
			stats.SuccessfulFixes++
		}
	}
	if stats.TotalFixes > 0 {
		stats.FixSuccessRate = float64(stats.SuccessfulFixes) / float64(stats.TotalFixes)
	}
	c.mu.Unlock()

	bundle := map[string]interface{}{
		"export_time":    time.Now().UTC().Format(time.RFC3339),
		"total_patterns": len(patterns),
		"patterns":       patterns,
		"fix_results":    fixes,
		"stats":          stats,
	}

	data, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode export: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write export: %w", err)
	}
	return nil
}

// AnalyzeOutput splits raw tool output on blank lines and stores one pattern
// per section that yields either a non-empty code or a message over 10 chars.
func (c *Cache) AnalyzeOutput(raw, tool string) []ErrorPattern {
	var found []ErrorPattern
	for _, section := range strings.Split(raw, "\n\n") {
		if strings.TrimSpace(section) == "" {
			continue
		}
		p := patternFromSection(section, tool)
		if p == nil {
			continue
		}
		c.AddPattern(*p)
		if stored := c.GetPattern(p.PatternID); stored != nil {
			found = append(found, *stored)
		}
	}
	return found
}

func patternFromSection(section, tool string) *ErrorPattern {
	for _, line := range strings.Split(section, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || !containsLetter(line) {
			continue
		}
		code, message := extractErrorInfo(line, tool)
		if code == "" && len(message) <= 10 {
			continue
		}
		return &ErrorPattern{
			PatternID:      fmt.Sprintf("%s_%s_%d", tool, code, messageHash(message)),
			ErrorType:      tool,
			ErrorCode:      code,
			MessagePattern: message,
			CommonFixes:    []string{},
			AutoFixable:    tool == "ruff",
			Frequency:      1,
			LastSeen:       float64(time.Now().Unix()),
		}
	}
	return nil
}

func containsLetter(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) {
			return true
		}
	}
	return false
}

func messageHash(message string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(message))
	return h.Sum32() % 10000
}

// extractErrorInfo applies per-tool parse rules:
//
//	ruff:    <file>:<line>:<col>: <CODE> <message>
//	pyright: ... -error: <message> (<CODE>)
//	bandit:  Issue: <text>  Test: <CODE>
func extractErrorInfo(line, tool string) (code, message string) {
	switch tool {
	case "ruff":
		return extractRuffInfo(line)
	case "pyright":
		return extractPyrightInfo(line)
	case "bandit":
		return extractBanditInfo(line)
	default:
		return "", line
	}
}

// extractRuffInfo parses `<file>:<line>:<col>: <CODE> <message>`: the
// first three colons delimit the location, the remainder is code + message.
func extractRuffInfo(line string) (string, string) {
	parts := strings.SplitN(line, ":", 4)
	if len(parts) < 4 || !isDigits(parts[1]) || !isDigits(parts[2]) {
		return "", line
	}
	codeMsg := strings.TrimSpace(parts[3])
	idx := strings.Index(codeMsg, " ")
	if idx < 0 {
		return "", line
	}
	codePart, msgPart := codeMsg[:idx], codeMsg[idx+1:]
	if codePart == "" || !unicode.IsUpper(rune(codePart[0])) {
		return "", line
	}
	return codePart, msgPart
}

func extractPyrightInfo(line string) (string, string) {
	idx := strings.Index(line, "-error: ")
	if idx < 0 {
		return "", line
	}
	message := strings.TrimSpace(line[idx+len("-error: "):])
	code := ""
	if open := strings.LastIndex(message, "("); open >= 0 {
		if close := strings.Index(message[open:], ")"); close > 0 {
			code = message[open+1 : open+close]
		}
	}
	return code, message
}

func extractBanditInfo(line string) (string, string) {
	idx := strings.Index(line, "Issue: ")
	if idx < 0 {
		return "", line
	}
	message := strings.TrimSpace(line[idx+len("Issue: "):])
	code := ""
	if tidx := strings.Index(message, "Test: "); tidx >= 0 {
		code = strings.TrimSpace(message[tidx+len("Test: "):])
		message = strings.TrimSpace(message[:tidx])
	}
	return code, message
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
