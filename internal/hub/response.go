package hub

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
)

// CauseHeader carries the hub's human-readable failure reason on error
// responses and on rejected retrieval probes.
const CauseHeader = "cause-message"

const maxErrorBody = 8 << 10

// ClassifyResponse maps a non-2xx hub response onto the error taxonomy of
// this package. It returns nil for 2xx responses and consumes up to a few
// KiB of the body looking for the hub's own failure message.
func ClassifyResponse(operation, productID string, resp *http.Response) error {
	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		return nil
	}

	msg := ResponseMessage(resp)

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return &UnauthorizedError{Operation: operation}
	case http.StatusNotFound:
		return &NotFoundError{ProductID: productID}
	default:
		return &ServerError{Operation: operation, StatusCode: resp.StatusCode, APIMessage: msg}
	}
}

// ResponseMessage extracts the most specific failure message a hub response
// carries: the cause-message header when present, otherwise the OData error
// body, otherwise the raw body text.
func ResponseMessage(resp *http.Response) string {
	if cause := resp.Header.Get(CauseHeader); cause != "" {
		return cause
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil || len(body) == 0 {
		return resp.Status
	}

	var odataErr struct {
		Error struct {
			Message struct {
				Value string `json:"value"`
			} `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &odataErr); err == nil && odataErr.Error.Message.Value != "" {
		return odataErr.Error.Message.Value
	}

	if text := strings.TrimSpace(string(body)); text != "" {
		return text
	}

	return resp.Status
}
