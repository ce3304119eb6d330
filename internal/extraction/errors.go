package extraction

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// UnknownErrorMessage is reported when a failure carries neither a remote
// body nor a message.
const UnknownErrorMessage = "An unknown error occurred"

// RequestError is the single failure shape returned by the client.
// Exactly one of Body and Message is set.
type RequestError struct {
	StatusCode int    // 0 when no response was received
	Body       any    // structured body sent by the remote service
	Message    string // transport or generic failure message
	Err        error
}

func (e *RequestError) Error() string {
	return e.Display()
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// HasBody reports whether the remote service supplied a response body.
func (e *RequestError) HasBody() bool {
	return e.Body != nil
}

// Display renders the failure as one line for the session error slot.
// Common detail keys in a JSON body are preferred over the whole body.
func (e *RequestError) Display() string {
	if e.Body == nil {
		if e.Message == "" {
			return UnknownErrorMessage
		}
		return e.Message
	}

	switch body := e.Body.(type) {
	case string:
		return body
	case map[string]any:
		for _, key := range []string{"detail", "message", "error"} {
			if s, ok := body[key].(string); ok && s != "" {
				return s
			}
		}
	}

	encoded, err := json.Marshal(e.Body)
	if err != nil {
		return fmt.Sprintf("%v", e.Body)
	}
	return string(encoded)
}

// Normalize folds a failed exchange into a RequestError. The first
// matching rule wins: a non-empty response body, then the error's
// message, then UnknownErrorMessage.
func Normalize(statusCode int, body []byte, err error) *RequestError {
	if statusCode != 0 && len(bytes.TrimSpace(body)) > 0 {
		return &RequestError{StatusCode: statusCode, Body: decodeBody(body), Err: err}
	}
	if err != nil && err.Error() != "" {
		return &RequestError{StatusCode: statusCode, Message: err.Error(), Err: err}
	}
	return &RequestError{StatusCode: statusCode, Message: UnknownErrorMessage, Err: err}
}

// decodeBody returns the decoded JSON value, or the raw text when the
// body is not JSON.
func decodeBody(body []byte) any {
	var v any
	if err := json.Unmarshal(body, &v); err == nil && v != nil {
		return v
	}
	return strings.TrimSpace(string(body))
}

// statusError mirrors the message browsers' HTTP clients report for an
// error status without a body.
func statusError(code int) error {
	return fmt.Errorf("Request failed with status code %d", code)
}
