package evolution

import (
	"encoding/json"
	"fmt"
	"strings"
)

// APIError is a non-2xx response from the provider, with the human-readable
// message extracted from its heterogeneous error body.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("evolution api: %s (status %d)", e.Message, e.StatusCode)
}

// IsUnauthorized reports whether the provider rejected the API key. Callers
// may retry once with the Bearer header shape (documented provider quirk).
func (e *APIError) IsUnauthorized() bool {
	return e.StatusCode == 401
}

// IsNameConflict reports whether instance creation failed because the name is
// already taken remotely.
func (e *APIError) IsNameConflict() bool {
	msg := strings.ToLower(e.Message)
	return strings.Contains(msg, "already in use") ||
		strings.Contains(msg, "já está em uso") ||
		strings.Contains(msg, "already") ||
		strings.Contains(msg, "exists")
}

// extractor pulls an error message out of a decoded error body; empty string
// means "not found here, try the next one".
type extractor func(body map[string]interface{}) string

// messageExtractors is the ordered strategy chain for the provider's error
// shapes; the first non-empty result wins.
var messageExtractors = []extractor{
	func(b map[string]interface{}) string { return stringField(b, "message") },
	func(b map[string]interface{}) string { return joinedStringArray(b, "message") },
	func(b map[string]interface{}) string { return stringField(b, "error") },
	func(b map[string]interface{}) string { return stringField(nestedResponse(b), "message") },
	func(b map[string]interface{}) string { return joinedStringArray(nestedResponse(b), "message") },
	func(b map[string]interface{}) string { return stringField(nestedResponse(b), "error") },
}

// ExtractErrorMessage probes the provider's error payload for a usable
// message. Returns "" when the body is empty, not JSON, or carries none of
// the known shapes.
func ExtractErrorMessage(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return ""
	}
	for _, extract := range messageExtractors {
		if msg := extract(decoded); msg != "" {
			return msg
		}
	}
	return ""
}

func stringField(b map[string]interface{}, key string) string {
	if b == nil {
		return ""
	}
	if s, ok := b[key].(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

func joinedStringArray(b map[string]interface{}, key string) string {
	if b == nil {
		return ""
	}
	arr, ok := b[key].([]interface{})
	if !ok {
		return ""
	}
	var parts []string
	for _, item := range arr {
		if s, ok := item.(string); ok && s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " | ")
}

func nestedResponse(b map[string]interface{}) map[string]interface{} {
	if nested, ok := b["response"].(map[string]interface{}); ok {
		return nested
	}
	return nil
}

// apiError builds an APIError from a response, falling back to a generic
// message when extraction finds nothing.
func apiError(statusCode int, body []byte, fallback string) *APIError {
	msg := ExtractErrorMessage(body)
	if msg == "" {
		msg = fallback
	}
	return &APIError{StatusCode: statusCode, Message: msg}
}
