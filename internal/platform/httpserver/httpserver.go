package httpserver

import (
	"net/http"
	"time"
)

// New builds an HTTP server with sane defaults for this project. The write
// timeout covers a full provisioning run including mint confirmation, so it is
// derived from the pipeline deadline rather than fixed.
func New(addr string, handler http.Handler, pipelineTimeout time.Duration) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      pipelineTimeout + 15*time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
