package resolver

import (
	"net/http"
	"time"
)

// NewHTTPClient creates an HTTP client whose hostname resolution goes
// through this resolver. Rule list downloads use it so a list host that is
// itself blocked locally can still be fetched.
func (r *Resolver) NewHTTPClient(timeout time.Duration) *http.Client {
	if len(r.upstreams) == 0 {
		return &http.Client{Timeout: timeout}
	}

	transport := &http.Transport{
		DialContext:           r.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}
