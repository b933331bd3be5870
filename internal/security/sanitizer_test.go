package security

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
)

func newTestSanitizer() *Sanitizer {
	return NewSanitizer(DefaultConfig(), nil)
}

func TestSanitizeString(t *testing.T) {
	s := newTestSanitizer()
	ctx := context.Background()

	tests := []struct {
		name      string
		input     string
		opts      StringOptions
		wantValid bool
		wantType  string
		wantLevel Level
	}{
		{
			name:      "plain string accepted",
			input:     "run the tests",
			wantValid: true,
			wantType:  "string_sanitization",
		},
		{
			name:      "trimmed on success",
			input:     "  hello  ",
			wantValid: true,
			wantType:  "string_sanitization",
		},
		{
			name:      "null byte rejected",
			input:     "abc\x00def",
			wantValid: false,
			wantType:  "null_byte_injection",
			wantLevel: LevelCritical,
		},
		{
			name:      "control characters rejected",
			input:     "abc\x01def",
			wantValid: false,
			wantType:  "control_chars",
			wantLevel: LevelHigh,
		},
		{
			name:      "tab allowed",
			input:     "abc\tdef",
			wantValid: true,
		},
		{
			name:      "shell metacharacters rejected",
			input:     "ls; rm -rf /",
			wantValid: false,
			wantType:  "shell_metacharacters",
			wantLevel: LevelHigh,
		},
		{
			name:      "shell metacharacters allowed when opted in",
			input:     "echo hi | wc -l",
			opts:      StringOptions{AllowShellChars: true},
			wantValid: true,
		},
		{
			name:      "sql injection rejected",
			input:     "x' OR '1'='1",
			opts:      StringOptions{AllowShellChars: true},
			wantValid: false,
			wantType:  "sql_injection",
			wantLevel: LevelCritical,
		},
		{
			name:      "code injection rejected",
			input:     "__import__(os)",
			opts:      StringOptions{AllowShellChars: true},
			wantValid: false,
			wantType:  "code_injection",
			wantLevel: LevelCritical,
		},
		{
			name:      "too long rejected",
			input:     strings.Repeat("a", 20),
			opts:      StringOptions{MaxLength: 10},
			wantValid: false,
			wantType:  "length_check",
			wantLevel: LevelHigh,
		},
		{
			name:      "strict alphanumeric rejects spaces",
			input:     "has space",
			opts:      StringOptions{StrictAlphanumeric: true},
			wantValid: false,
			wantType:  "alphanumeric_only",
			wantLevel: LevelMedium,
		},
		{
			name:      "strict alphanumeric accepts hyphen and underscore",
			input:     "job-id_42",
			opts:      StringOptions{StrictAlphanumeric: true},
			wantValid: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.SanitizeString(ctx, tt.input, tt.opts)
			if got.Valid != tt.wantValid {
				t.Fatalf("Valid = %v, want %v (result %+v)", got.Valid, tt.wantValid, got)
			}
			if tt.wantType != "" && got.ValidationType != tt.wantType {
				t.Errorf("ValidationType = %q, want %q", got.ValidationType, tt.wantType)
			}
			if !tt.wantValid && tt.wantLevel != "" && got.SecurityLevel != tt.wantLevel {
				t.Errorf("SecurityLevel = %q, want %q", got.SecurityLevel, tt.wantLevel)
			}
			if tt.wantValid && got.String() != strings.TrimSpace(tt.input) {
				t.Errorf("SanitizedValue = %q, want trimmed input %q", got.String(), strings.TrimSpace(tt.input))
			}
		})
	}
}

func TestSanitizeJSON(t *testing.T) {
	s := newTestSanitizer()
	ctx := context.Background()

	t.Run("valid object parsed", func(t *testing.T) {
		got := s.SanitizeJSON(ctx, `{"max_iterations": 3}`)
		if !got.Valid {
			t.Fatalf("expected valid, got %+v", got)
		}
		obj, ok := got.SanitizedValue.(map[string]interface{})
		if !ok {
			t.Fatalf("SanitizedValue type = %T, want map", got.SanitizedValue)
		}
		if obj["max_iterations"] != float64(3) {
			t.Errorf("max_iterations = %v, want 3", obj["max_iterations"])
		}
	})

	t.Run("invalid JSON rejected", func(t *testing.T) {
		got := s.SanitizeJSON(ctx, `{"broken`)
		if got.Valid || got.ValidationType != "json_parse" {
			t.Errorf("got %+v, want json_parse rejection", got)
		}
	})

	t.Run("too deep rejected", func(t *testing.T) {
		deep := strings.Repeat(`{"a":`, 12) + `1` + strings.Repeat("}", 12)
		got := s.SanitizeJSON(ctx, deep)
		if got.Valid || got.ValidationType != "json_depth" {
			t.Errorf("got %+v, want json_depth rejection", got)
		}
	})

	t.Run("oversize rejected without parsing", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.MaxJSONSize = 10
		small := NewSanitizer(cfg, nil)
		got := small.SanitizeJSON(ctx, `{"key": "a long value"}`)
		if got.Valid || got.ValidationType != "json_size" {
			t.Errorf("got %+v, want json_size rejection", got)
		}
	})
}

func TestSanitizePath(t *testing.T) {
	s := newTestSanitizer()
	ctx := context.Background()

	tests := []struct {
		name      string
		path      string
		opts      PathOptions
		wantValid bool
		wantType  string
	}{
		{name: "relative path ok", path: "src/app.py", wantValid: true},
		{name: "parent traversal rejected", path: "../etc/passwd", wantValid: false, wantType: "dangerous_path_component"},
		{name: "tilde rejected", path: "~/secrets", wantValid: false, wantType: "dangerous_path_component"},
		{name: "windows device rejected", path: "logs/CON", wantValid: false, wantType: "dangerous_path_component"},
		{name: "shell chars rejected", path: "a$(whoami)/b", wantValid: false, wantType: "path_shell_chars"},
		{name: "absolute rejected by default", path: "/etc/passwd", wantValid: false, wantType: "absolute_path"},
		{name: "absolute allowed when opted in", path: "/tmp/work", opts: PathOptions{AllowAbsolute: true}, wantValid: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.SanitizePath(ctx, tt.path, tt.opts)
			if got.Valid != tt.wantValid {
				t.Fatalf("Valid = %v, want %v (%+v)", got.Valid, tt.wantValid, got)
			}
			if tt.wantType != "" && got.ValidationType != tt.wantType {
				t.Errorf("ValidationType = %q, want %q", got.ValidationType, tt.wantType)
			}
		})
	}

	t.Run("base dir confines resolved path", func(t *testing.T) {
		base := t.TempDir()
		got := s.SanitizePath(ctx, "job-abc.json", PathOptions{BaseDir: base})
		if !got.Valid {
			t.Fatalf("expected valid, got %+v", got)
		}
		resolved := got.String()
		if rel, err := filepath.Rel(base, resolved); err != nil || strings.HasPrefix(rel, "..") {
			t.Errorf("resolved %q escapes base %q", resolved, base)
		}
	})
}

func TestValidateJobID(t *testing.T) {
	s := newTestSanitizer()
	ctx := context.Background()

	tests := []struct {
		name      string
		jobID     string
		wantValid bool
	}{
		{name: "short id ok", jobID: "a1b2c3d4", wantValid: true},
		{name: "uuid ok", jobID: "123e4567-e89b-12d3-a456-426614174000", wantValid: true},
		{name: "hyphen underscore ok", jobID: "job_1-x", wantValid: true},
		{name: "path traversal rejected", jobID: "../etc/passwd", wantValid: false},
		{name: "slash rejected", jobID: "a/b", wantValid: false},
		{name: "empty rejected", jobID: "", wantValid: false},
		{name: "too long rejected", jobID: strings.Repeat("a", 51), wantValid: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.ValidateJobID(ctx, tt.jobID)
			if got.Valid != tt.wantValid {
				t.Fatalf("ValidateJobID(%q).Valid = %v, want %v", tt.jobID, got.Valid, tt.wantValid)
			}
			if got.ValidationType != "job_id_format" {
				t.Errorf("ValidationType = %q, want job_id_format", got.ValidationType)
			}
			if !tt.wantValid && got.SecurityLevel != LevelHigh {
				t.Errorf("SecurityLevel = %q, want high", got.SecurityLevel)
			}
		})
	}
}

func TestValidateEnvVar(t *testing.T) {
	s := newTestSanitizer()
	ctx := context.Background()

	if got := s.ValidateEnvVar(ctx, "MY_VAR", "value"); !got.Valid {
		t.Errorf("valid env var rejected: %+v", got)
	}
	if got := s.ValidateEnvVar(ctx, "1BAD", "value"); got.Valid {
		t.Errorf("invalid env var name accepted")
	}
	if got := s.ValidateEnvVar(ctx, "MY_VAR", "x; rm -rf"); got.Valid {
		t.Errorf("shell metachars in env value accepted")
	}
}

func TestValidateCommandArgs(t *testing.T) {
	s := newTestSanitizer()
	ctx := context.Background()

	if got := s.ValidateCommandArgs(ctx, "run tests"); !got.Valid {
		t.Errorf("string args rejected: %+v", got)
	}
	if got := s.ValidateCommandArgs(ctx, []string{"-t", "--verbose"}); !got.Valid {
		t.Errorf("list args rejected: %+v", got)
	}
	if got := s.ValidateCommandArgs(ctx, []string{"ok", "bad; rm"}); got.Valid {
		t.Errorf("shell metachars in list accepted")
	}
	if got := s.ValidateCommandArgs(ctx, 42); got.Valid {
		t.Errorf("non-string args accepted")
	}
}
