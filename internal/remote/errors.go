package remote

import (
	"encoding/json"
	"fmt"
)

// NetworkError reports a transport failure, a cancelled request or a non-2xx
// response. Retrying later may succeed.
type NetworkError struct {
	URL        string
	StatusCode int // 0 when no response was received
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("request to %s failed with status %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("request to %s failed: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// ParseError reports a response that could not be understood. The update
// status is unknown; it does not mean "no update".
type ParseError struct {
	URL string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("malformed response from %s: %v", e.URL, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// APIError is the JSON error body returned by the GitHub API
type APIError struct {
	Message          string `json:"message"`
	DocumentationURL string `json:"documentation_url,omitempty"`
}

func (e *APIError) Error() string {
	return e.Message
}

// tryParseAPIError attempts to parse a JSON error response body
func tryParseAPIError(body []byte) *APIError {
	var ae APIError
	if err := json.Unmarshal(body, &ae); err != nil {
		return nil
	}
	if ae.Message == "" {
		return nil
	}
	return &ae
}
