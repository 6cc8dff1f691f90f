package testutil

import (
	"net/http"
	"time"

	"provisioner/pkg/requestcontext"
)

// WithCaller marks the request as authenticated for the given service,
// as the service-token middleware would.
func WithCaller(req *http.Request, caller string) *http.Request {
	return req.WithContext(requestcontext.WithCaller(req.Context(), caller))
}

// WithRequestTime pins the request-scoped clock.
func WithRequestTime(req *http.Request, now time.Time) *http.Request {
	return req.WithContext(requestcontext.WithTime(req.Context(), now))
}
