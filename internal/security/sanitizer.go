package security

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/lesleslie/crackerjack-mcp/internal/audit"
)

// Level classifies the severity of a validation failure
type Level string

const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// ValidationResult is the uniform outcome of every sanitiser check.
// Rejections are values, never errors; callers format identical responses
// from the fields here.
type ValidationResult struct {
	Valid          bool        `json:"valid"`
	SanitizedValue interface{} `json:"sanitized_value,omitempty"`
	ErrorMessage   string      `json:"error_message,omitempty"`
	SecurityLevel  Level       `json:"security_level"`
	ValidationType string      `json:"validation_type"`
}

// String returns the sanitised value as a string, or "" when invalid
func (r ValidationResult) String() string {
	if s, ok := r.SanitizedValue.(string); ok {
		return s
	}
	return ""
}

// Config bundles the per-field-class limits
type Config struct {
	MaxStringLength      int
	MaxProjectNameLength int
	MaxJobIDLength       int
	MaxCommandLength     int
	MaxJSONSize          int
	MaxJSONDepth         int
	AllowShellChars      bool
	StrictAlphanumeric   bool
}

// DefaultConfig returns the standard limits
func DefaultConfig() Config {
	return Config{
		MaxStringLength:      10000,
		MaxProjectNameLength: 255,
		MaxJobIDLength:       128,
		MaxCommandLength:     1000,
		MaxJSONSize:          1024 * 1024,
		MaxJSONDepth:         10,
	}
}

// Sanitizer validates untrusted tool inputs. It is stateless beyond its
// configuration and optional audit logger.
type Sanitizer struct {
	cfg     Config
	auditor *audit.Logger
}

// NewSanitizer creates a sanitiser. The audit logger may be nil.
func NewSanitizer(cfg Config, auditor *audit.Logger) *Sanitizer {
	return &Sanitizer{cfg: cfg, auditor: auditor}
}

const shellMetacharacters = ";&|`$()<>\n\r\\\"'*?[]{}~^"

var (
	jobIDPattern        = regexp.MustCompile(`^[A-Za-z0-9_-]{1,50}$`)
	strictAlnumPattern  = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	envVarNamePattern   = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	controlCharsPattern = regexp.MustCompile("[\x00-\x08\x0b\x0c\x0e-\x1f]")

	sqlInjectionPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bunion\b.{0,40}\bselect\b`),
		regexp.MustCompile(`(?i)\b(select|insert|update|delete|drop|alter|create)\b.{0,40}\b(from|into|table|database)\b`),
		regexp.MustCompile(`(?i)('|")\s*(or|and)\s*('|")?\w*('|")?\s*=`),
		regexp.MustCompile(`(?i);\s*(drop|delete|truncate)\b`),
		regexp.MustCompile(`(?i)\bexec(ute)?\s*\(`),
		regexp.MustCompile(`--\s*$`),
	}

	codeInjectionPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(eval|exec|compile)\s*\(`),
		regexp.MustCompile(`(?i)\b__import__\s*\(`),
		regexp.MustCompile(`(?i)\bos\.(system|popen|exec[lv]p?e?)\s*\(`),
		regexp.MustCompile(`(?i)\bsubprocess\.(run|call|popen|check_output)`),
		regexp.MustCompile(`(?i)\bimportlib\b`),
		regexp.MustCompile(`(?i)<script[\s>]`),
		regexp.MustCompile(`(?i)\bjavascript:`),
	}

	// Reserved Windows device names plus relative segments; membership checks
	// are case-insensitive for the device names.
	dangerousPathComponents = map[string]bool{
		"..": true, ".": true, "~": true, "$": true, "`": true,
		";": true, "&": true, "|": true, "<": true, ">": true,
		"con": true, "prn": true, "aux": true, "nul": true,
		"com1": true, "com2": true, "com3": true, "com4": true, "com5": true,
		"com6": true, "com7": true, "com8": true, "com9": true,
		"lpt1": true, "lpt2": true, "lpt3": true, "lpt4": true, "lpt5": true,
		"lpt6": true, "lpt7": true, "lpt8": true, "lpt9": true,
	}
)

func (s *Sanitizer) reject(ctx context.Context, validationType, message string, level Level) ValidationResult {
	if s.auditor != nil {
		s.auditor.LogValidationFailure(ctx, validationType, message, audit.Severity(level))
	}
	return ValidationResult{
		Valid:          false,
		ErrorMessage:   message,
		SecurityLevel:  level,
		ValidationType: validationType,
	}
}

// StringOptions tunes SanitizeString per field class
type StringOptions struct {
	MaxLength          int
	AllowShellChars    bool
	StrictAlphanumeric bool
	FieldName          string
}

// SanitizeString validates an untrusted string and returns the trimmed value
func (s *Sanitizer) SanitizeString(ctx context.Context, value string, opts StringOptions) ValidationResult {
	maxLen := opts.MaxLength
	if maxLen <= 0 {
		maxLen = s.cfg.MaxStringLength
	}

	if len(value) > maxLen {
		return s.reject(ctx, "length_check",
			fmt.Sprintf("String too long: %d > %d", len(value), maxLen), LevelHigh)
	}

	if strings.ContainsRune(value, 0) {
		return s.reject(ctx, "null_byte_injection", "Null byte detected in input", LevelCritical)
	}

	if controlCharsPattern.MatchString(value) {
		return s.reject(ctx, "control_chars", "Control characters detected in input", LevelHigh)
	}

	allowShell := opts.AllowShellChars || s.cfg.AllowShellChars
	if !allowShell && strings.ContainsAny(value, shellMetacharacters) {
		return s.reject(ctx, "shell_metacharacters", "Shell metacharacters detected in input", LevelHigh)
	}

	for _, p := range sqlInjectionPatterns {
		if p.MatchString(value) {
			return s.reject(ctx, "sql_injection", "SQL injection pattern detected", LevelCritical)
		}
	}

	for _, p := range codeInjectionPatterns {
		if p.MatchString(value) {
			return s.reject(ctx, "code_injection", "Code injection pattern detected", LevelCritical)
		}
	}

	if (opts.StrictAlphanumeric || s.cfg.StrictAlphanumeric) && !strictAlnumPattern.MatchString(value) {
		return s.reject(ctx, "alphanumeric_only",
			"Only alphanumeric characters, hyphens, and underscores allowed", LevelMedium)
	}

	return ValidationResult{
		Valid:          true,
		SanitizedValue: strings.TrimSpace(value),
		SecurityLevel:  LevelLow,
		ValidationType: "string_sanitization",
	}
}

// SanitizeJSON parses and depth-checks a JSON document
func (s *Sanitizer) SanitizeJSON(ctx context.Context, raw string) ValidationResult {
	if len(raw) > s.cfg.MaxJSONSize {
		return s.reject(ctx, "json_size",
			fmt.Sprintf("JSON too large: %d > %d bytes", len(raw), s.cfg.MaxJSONSize), LevelHigh)
	}

	var parsed interface{}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return s.reject(ctx, "json_parse", fmt.Sprintf("Invalid JSON: %v", err), LevelMedium)
	}

	if depth := jsonDepth(parsed); depth > s.cfg.MaxJSONDepth {
		return s.reject(ctx, "json_depth",
			fmt.Sprintf("JSON nesting too deep: %d > %d", depth, s.cfg.MaxJSONDepth), LevelHigh)
	}

	return ValidationResult{
		Valid:          true,
		SanitizedValue: parsed,
		SecurityLevel:  LevelLow,
		ValidationType: "json_sanitization",
	}
}

func jsonDepth(v interface{}) int {
	switch t := v.(type) {
	case map[string]interface{}:
		max := 0
		for _, child := range t {
			if d := jsonDepth(child); d > max {
				max = d
			}
		}
		return max + 1
	case []interface{}:
		max := 0
		for _, child := range t {
			if d := jsonDepth(child); d > max {
				max = d
			}
		}
		return max + 1
	default:
		return 0
	}
}

// PathOptions tunes SanitizePath
type PathOptions struct {
	BaseDir       string
	AllowAbsolute bool
}

// SanitizePath validates a filesystem path component-wise and, when a base
// directory is supplied, confines the resolved result to it.
func (s *Sanitizer) SanitizePath(ctx context.Context, path string, opts PathOptions) ValidationResult {
	if path == "" {
		return s.reject(ctx, "path_empty", "Empty path", LevelMedium)
	}
	if strings.ContainsRune(path, 0) {
		return s.reject(ctx, "null_byte_injection", "Null byte detected in path", LevelCritical)
	}

	cleaned := filepath.ToSlash(path)
	for _, component := range strings.Split(cleaned, "/") {
		if component == "" {
			continue
		}
		if dangerousPathComponents[strings.ToLower(component)] {
			return s.reject(ctx, "dangerous_path_component",
				fmt.Sprintf("Dangerous path component: %s", component), LevelHigh)
		}
		if strings.ContainsAny(component, shellMetacharacters) {
			return s.reject(ctx, "path_shell_chars",
				"Shell metacharacters in path component", LevelHigh)
		}
	}

	if opts.BaseDir != "" {
		base, err := filepath.Abs(opts.BaseDir)
		if err != nil {
			return s.reject(ctx, "path_resolve", fmt.Sprintf("Cannot resolve base: %v", err), LevelMedium)
		}
		resolved, err := filepath.Abs(filepath.Join(base, path))
		if err != nil {
			return s.reject(ctx, "path_resolve", fmt.Sprintf("Cannot resolve path: %v", err), LevelMedium)
		}
		rel, err := filepath.Rel(base, resolved)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return s.reject(ctx, "path_traversal",
				"Path escapes the allowed base directory", LevelCritical)
		}
		return ValidationResult{
			Valid:          true,
			SanitizedValue: resolved,
			SecurityLevel:  LevelLow,
			ValidationType: "path_sanitization",
		}
	}

	if filepath.IsAbs(path) && !opts.AllowAbsolute {
		return s.reject(ctx, "absolute_path", "Absolute paths are not allowed", LevelHigh)
	}

	return ValidationResult{
		Valid:          true,
		SanitizedValue: filepath.Clean(path),
		SecurityLevel:  LevelLow,
		ValidationType: "path_sanitization",
	}
}

// ValidateJobID accepts UUIDs and short opaque identifiers
func (s *Sanitizer) ValidateJobID(ctx context.Context, jobID string) ValidationResult {
	if jobID == "" || len(jobID) > s.cfg.MaxJobIDLength {
		return s.reject(ctx, "job_id_format",
			fmt.Sprintf("Job id length must be 1..%d", s.cfg.MaxJobIDLength), LevelHigh)
	}

	if _, err := uuid.Parse(jobID); err == nil {
		return ValidationResult{
			Valid:          true,
			SanitizedValue: jobID,
			SecurityLevel:  LevelLow,
			ValidationType: "job_id_format",
		}
	}

	if !jobIDPattern.MatchString(jobID) {
		return s.reject(ctx, "job_id_format",
			"Job id must be a UUID or match [A-Za-z0-9_-]{1,50}", LevelHigh)
	}

	return ValidationResult{
		Valid:          true,
		SanitizedValue: jobID,
		SecurityLevel:  LevelLow,
		ValidationType: "job_id_format",
	}
}

// ValidateEnvVar validates an environment variable name and value pair
func (s *Sanitizer) ValidateEnvVar(ctx context.Context, name, value string) ValidationResult {
	if !envVarNamePattern.MatchString(name) {
		return s.reject(ctx, "env_var_name",
			fmt.Sprintf("Invalid environment variable name: %s", name), LevelHigh)
	}
	return s.SanitizeString(ctx, value, StringOptions{
		MaxLength: s.cfg.MaxStringLength,
		FieldName: name,
	})
}

// ValidateCommandArgs validates command arguments given as a single string
// or a list of strings
func (s *Sanitizer) ValidateCommandArgs(ctx context.Context, args interface{}) ValidationResult {
	switch v := args.(type) {
	case string:
		return s.SanitizeString(ctx, v, StringOptions{MaxLength: s.cfg.MaxCommandLength})
	case []string:
		sanitized := make([]string, 0, len(v))
		for _, arg := range v {
			result := s.SanitizeString(ctx, arg, StringOptions{MaxLength: s.cfg.MaxCommandLength})
			if !result.Valid {
				return result
			}
			sanitized = append(sanitized, result.String())
		}
		return ValidationResult{
			Valid:          true,
			SanitizedValue: sanitized,
			SecurityLevel:  LevelLow,
			ValidationType: "command_args",
		}
	case []interface{}:
		strs := make([]string, 0, len(v))
		for _, arg := range v {
			str, ok := arg.(string)
			if !ok {
				return s.reject(ctx, "command_args", "Command arguments must be strings", LevelMedium)
			}
			strs = append(strs, str)
		}
		return s.ValidateCommandArgs(ctx, strs)
	default:
		return s.reject(ctx, "command_args",
			fmt.Sprintf("Expected string or string list, got %T", args), LevelMedium)
	}
}
