package mcp

import (
	"encoding/json"
	"fmt"

	"github.com/lesleslie/crackerjack-mcp/internal/ratelimit"
	"github.com/lesleslie/crackerjack-mcp/internal/security"
	mcplib "github.com/mark3labs/mcp-go/mcp"
)

// Tools return one of a small set of response shapes so callers see
// identical structure for identical failure kinds.

func textResult(payload interface{}, isError bool) *mcplib.CallToolResult {
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte(fmt.Sprintf(`{"success":false,"error":"failed to encode response: %s"}`, err))
		isError = true
	}
	return &mcplib.CallToolResult{
		Content: []interface{}{mcplib.TextContent{Type: "text", Text: string(data)}},
		IsError: isError,
	}
}

// successResult wraps a payload that already carries its own fields
func successResult(payload interface{}) *mcplib.CallToolResult {
	return textResult(payload, false)
}

// errorResult is the generic internal-error shape
func errorResult(format string, args ...interface{}) *mcplib.CallToolResult {
	return textResult(map[string]interface{}{
		"success": false,
		"error":   fmt.Sprintf(format, args...),
	}, true)
}

// validationFailedResult reports a sanitiser rejection
func validationFailedResult(field string, result security.ValidationResult) *mcplib.CallToolResult {
	return textResult(map[string]interface{}{
		"success":         false,
		"error":           fmt.Sprintf("Invalid %s: %s", field, result.ErrorMessage),
		"validation_type": result.ValidationType,
		"security_level":  result.SecurityLevel,
	}, true)
}

// admissionDeniedResult reports a rate-limit or concurrency denial
func admissionDeniedResult(decision ratelimit.Decision) *mcplib.CallToolResult {
	return textResult(map[string]interface{}{
		"success":     false,
		"error":       fmt.Sprintf("Rate limit exceeded: %s", decision.Reason),
		"reason":      decision.Reason,
		"limit":       decision.Limit,
		"window":      decision.Window,
		"retry_after": decision.RetryAfterSeconds,
	}, true)
}

// notFoundResult reports an unknown job, checkpoint, or resource
func notFoundResult(kind, id string) *mcplib.CallToolResult {
	return textResult(map[string]interface{}{
		"success": false,
		"error":   fmt.Sprintf("%s not found: %s", kind, id),
	}, true)
}

// notInitialisedResult refuses tool calls before the context is ready
func notInitialisedResult() *mcplib.CallToolResult {
	return textResult(map[string]interface{}{
		"success": false,
		"error":   "Server context not initialised",
	}, true)
}
