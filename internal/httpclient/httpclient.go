package httpclient

import (
	"net/http"
	"time"
)

// New returns a pooled HTTP client for talking to the manager: timeout bounds the
// whole request/response cycle, and MaxIdleConnsPerHost keeps poolSize idle
// connections warm against the manager host so the scanner, webhook-triggered
// checks, and scheduler handlers never each pay a fresh TCP+TLS handshake.
func New(poolSize int, timeout time.Duration) *http.Client {
	if poolSize <= 0 {
		poolSize = 20
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConnsPerHost:   poolSize,
			MaxIdleConns:          poolSize,
			ResponseHeaderTimeout: timeout,
			ExpectContinueTimeout: 5 * time.Second,
			IdleConnTimeout:       90 * time.Second,
		},
	}
}
