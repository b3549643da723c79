package message

import json "github.com/goccy/go-json"

const metadataScope = "chat"

const (
	StatusStoppedByUser = "stopped_by_user"
	StatusProviderError = "provider_error"
)

type statusPayload struct {
	Status string       `json:"status"`
	Error  *statusError `json:"error,omitempty"`
}

type statusError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ErrorMetadata records why a turn ended early under the product's own
// metadata scope, alongside whatever the provider supplied.
func ErrorMetadata(base Metadata, errType, text string) Metadata {
	out := make(Metadata, len(base)+1)
	for k, v := range base {
		out[k] = v
	}
	raw, _ := json.Marshal(statusPayload{Status: "error", Error: &statusError{Type: errType, Message: text}})
	out[metadataScope] = raw
	return out
}

// ErrorType returns the recorded early-termination type, if any.
func (m Metadata) ErrorType() string {
	raw, ok := m[metadataScope]
	if !ok {
		return ""
	}
	var payload statusPayload
	if err := json.Unmarshal(raw, &payload); err != nil || payload.Error == nil {
		return ""
	}
	return payload.Error.Type
}
