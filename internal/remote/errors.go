package remote

import (
	"errors"
	"fmt"
	"net/http"
)

// APIError is a non-2xx response from the inbox server. The outbox retries
// every status the same way, so no class of response is terminal on its own.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// IsResponse reports whether err came back from the server as an HTTP
// response, as opposed to a transport failure or timeout.
func IsResponse(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr)
}
