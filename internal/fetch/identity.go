package fetch

import (
	"net/http"
	"sync"
)

// Identity is one outgoing browser fingerprint: a user-agent string plus the
// header subset that family of browser actually sends. Mixing a Chrome UA
// with Firefox headers is a detection signal, so headers travel with the UA.
type Identity struct {
	UserAgent string
	Headers   http.Header
}

func chromeIdentity(ua, uaHint string) Identity {
	return Identity{
		UserAgent: ua,
		Headers: http.Header{
			"Accept":          {"text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8"},
			"Accept-Language": {"en-US,en;q=0.9"},
			"Sec-Ch-Ua":       {uaHint},
			"Sec-Ch-Ua-Mobile": {
				"?0",
			},
			"Sec-Ch-Ua-Platform": {`"Windows"`},
			"Sec-Fetch-Dest":     {"document"},
			"Sec-Fetch-Mode":     {"navigate"},
			"Sec-Fetch-Site":     {"none"},
			"Upgrade-Insecure-Requests": {
				"1",
			},
		},
	}
}

func firefoxIdentity(ua string) Identity {
	return Identity{
		UserAgent: ua,
		Headers: http.Header{
			"Accept":                    {"text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8"},
			"Accept-Language":           {"en-US,en;q=0.5"},
			"DNT":                       {"1"},
			"Upgrade-Insecure-Requests": {"1"},
		},
	}
}

// DefaultIdentities returns the built-in pool of realistic fingerprints.
func DefaultIdentities() []Identity {
	return []Identity{
		chromeIdentity(
			"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
			`"Not/A)Brand";v="8", "Chromium";v="126", "Google Chrome";v="126"`,
		),
		chromeIdentity(
			"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/125.0.0.0 Safari/537.36",
			`"Chromium";v="125", "Google Chrome";v="125", "Not.A/Brand";v="24"`,
		),
		firefoxIdentity("Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:127.0) Gecko/20100101 Firefox/127.0"),
		firefoxIdentity("Mozilla/5.0 (X11; Linux x86_64; rv:126.0) Gecko/20100101 Firefox/126.0"),
	}
}

// Rotator hands out identities, advancing automatically every rotateEvery
// requests and immediately when Rotate is called after a retryable failure.
type Rotator struct {
	mu          sync.Mutex
	identities  []Identity
	index       int
	served      int
	rotateEvery int
}

// NewRotator builds a Rotator over the given pool. A rotateEvery of zero
// disables count-based rotation (explicit Rotate still works).
func NewRotator(identities []Identity, rotateEvery int) *Rotator {
	if len(identities) == 0 {
		identities = DefaultIdentities()
	}
	return &Rotator{
		identities:  identities,
		rotateEvery: rotateEvery,
	}
}

// Current returns the active identity and counts one request against it.
func (r *Rotator) Current() Identity {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rotateEvery > 0 && r.served >= r.rotateEvery {
		r.advanceLocked()
	}
	r.served++
	return r.identities[r.index]
}

// Rotate advances to the next identity immediately.
func (r *Rotator) Rotate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advanceLocked()
}

func (r *Rotator) advanceLocked() {
	r.index = (r.index + 1) % len(r.identities)
	r.served = 0
}
