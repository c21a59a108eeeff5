package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// transport is the HTTP layer under the registry client: connection pooling,
// per-host bearer tokens, bounded retries with backoff for transient errors,
// and bounded redirect following (blob downloads commonly redirect to a CDN).
type transport struct {
	client *http.Client

	username, password string // Forwarded to the token endpoint when set.

	sync.Mutex
	tokens map[string]string // Per registry host, "Bearer ...".
}

const (
	transportAttempts  = 4
	transportBackoff   = 250 * time.Millisecond
	transportRedirects = 5
)

func newTransport(timeout time.Duration) *transport {
	return &transport{
		client: &http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   30 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: timeout,
			},
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= transportRedirects {
					return fmt.Errorf("stopped after %d redirects", transportRedirects)
				}
				return nil
			},
		},
		tokens: map[string]string{},
	}
}

// get fetches url, handling the 401 bearer-token dance and retrying transient
// failures. The caller must close the response body. op labels the request in
// metrics and debug logging.
func (t *transport) get(ctx context.Context, op, url, accept string) (*http.Response, error) {
	var lastErr error
	backoff := transportBackoff
	authed := false

	for attempt := 0; attempt < transportAttempts; attempt++ {
		if attempt > 0 {
			metricRetry.Inc()
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, errf(ErrNetwork, "%w", ctx.Err())
			}
			backoff *= 2
		}

		resp, err := t.do(ctx, op, url, accept)
		if err != nil {
			if errcode(err) == ErrInvalidReference || ctx.Err() != nil {
				return nil, err
			}
			lastErr = err
			continue
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized:
			challenge := resp.Header.Get("Www-Authenticate")
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			if authed {
				return nil, errf(ErrAuthFailed, "still unauthorized after token exchange")
			}
			if err := t.fetchToken(ctx, url, challenge); err != nil {
				return nil, err
			}
			authed = true
			attempt-- // The auth round trip doesn't count against the retry budget.
			backoff = transportBackoff
			continue

		case resp.StatusCode >= 500:
			lastErr = errf(ErrNetwork, "%s: %s", url, resp.Status)
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			continue

		case resp.StatusCode >= 400:
			// The body often says what's wrong, include a little of it.
			start, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
			resp.Body.Close()
			return nil, errf(ErrHTTPStatus, "%s: %s (%s)", url, resp.Status, strings.TrimSpace(string(start)))

		default:
			return resp, nil
		}
	}
	if lastErr == nil {
		lastErr = errf(ErrNetwork, "request failed")
	}
	return nil, lastErr
}

func (t *transport) do(ctx context.Context, op, reqURL, accept string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", reqURL, nil)
	if err != nil {
		return nil, errf(ErrInvalidReference, "bad url %s: %v", reqURL, err)
	}
	req.Header.Set("User-Agent", "ociunpack/"+version)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	t.Lock()
	token := t.tokens[req.URL.Host]
	t.Unlock()
	if token != "" {
		req.Header.Set("Authorization", token)
	}

	if debugFlag {
		log.Printf("http request %s %s", op, reqURL)
	}
	start := time.Now()
	resp, err := t.client.Do(req)
	code := "error"
	if err == nil {
		code = fmt.Sprintf("%d", resp.StatusCode)
	}
	metricRequest.WithLabelValues(op, code).Observe(float64(time.Since(start)) / float64(time.Second))
	if err != nil {
		return nil, errf(ErrNetwork, "%s: %w", reqURL, err)
	}
	if debugFlag {
		log.Printf("http response %s %s: %s", op, reqURL, resp.Status)
	}
	return resp, nil
}

// fetchToken performs the docker registry token flow: GET the realm from the
// WWW-Authenticate challenge with the service and scope parameters, and cache
// the resulting bearer token for the registry host.
//
// https://distribution.github.io/distribution/spec/auth/token/
func (t *transport) fetchToken(ctx context.Context, origURL, challenge string) error {
	realm, params, err := parseChallenge(challenge)
	if err != nil {
		return err
	}

	u, err := url.Parse(realm)
	if err != nil {
		return errf(ErrAuthFailed, "bad realm %q: %v", realm, err)
	}
	q := u.Query()
	for _, k := range []string{"service", "scope"} {
		if v := params[k]; v != "" {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return errf(ErrAuthFailed, "building token request: %v", err)
	}
	req.Header.Set("User-Agent", "ociunpack/"+version)
	if t.username != "" {
		req.SetBasicAuth(t.username, t.password)
	}
	if debugFlag {
		log.Printf("http request token %s", u)
	}
	start := time.Now()
	resp, err := t.client.Do(req)
	if err != nil {
		metricRequest.WithLabelValues("token", "error").Observe(float64(time.Since(start)) / float64(time.Second))
		return errf(ErrNetwork, "token request: %v", err)
	}
	defer resp.Body.Close()
	metricRequest.WithLabelValues("token", fmt.Sprintf("%d", resp.StatusCode)).Observe(float64(time.Since(start)) / float64(time.Second))
	if resp.StatusCode != http.StatusOK {
		return errf(ErrAuthFailed, "token request: %s", resp.Status)
	}

	// The response has either "token" or "access_token", depending on the
	// registry implementation.
	var body struct {
		Token       string `json:"token"`
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return errf(ErrAuthFailed, "parsing token response: %v", err)
	}
	token := body.Token
	if token == "" {
		token = body.AccessToken
	}
	if token == "" {
		return errf(ErrAuthFailed, "token response without token")
	}
	metricAuthToken.Inc()

	host := ""
	if ou, err := url.Parse(origURL); err == nil {
		host = ou.Host
	}
	t.Lock()
	t.tokens[host] = "Bearer " + token
	t.Unlock()
	return nil
}

// Parse a WWW-Authenticate bearer challenge like:
//
//	Bearer realm="https://auth.docker.io/token",service="registry.docker.io",scope="repository:library/alpine:pull"
func parseChallenge(h string) (realm string, params map[string]string, err error) {
	h = strings.TrimSpace(h)
	if !strings.HasPrefix(h, "Bearer ") {
		return "", nil, errf(ErrAuthFailed, "unrecognized authenticate challenge %q", h)
	}
	params = map[string]string{}
	s := h[len("Bearer "):]
	for {
		s = strings.TrimLeft(s, " \t,")
		if s == "" {
			break
		}
		k, rest, ok := strings.Cut(s, "=")
		if !ok {
			return "", nil, errf(ErrAuthFailed, "malformed challenge parameter %q", s)
		}
		k = strings.TrimSpace(k)
		var v string
		if strings.HasPrefix(rest, `"`) {
			// Quoted values can contain commas, e.g. a scope with multiple
			// actions.
			end := strings.Index(rest[1:], `"`)
			if end < 0 {
				return "", nil, errf(ErrAuthFailed, "unterminated quote in challenge")
			}
			v = rest[1 : 1+end]
			s = rest[end+2:]
		} else if i := strings.IndexAny(rest, ", "); i >= 0 {
			v, s = rest[:i], rest[i:]
		} else {
			v, s = rest, ""
		}
		if k == "realm" {
			realm = v
		} else {
			params[k] = v
		}
	}
	if realm == "" {
		return "", nil, errf(ErrAuthFailed, "challenge without realm")
	}
	return realm, params, nil
}

// guessScheme picks http for loopback addresses and explicit port-80 hosts,
// https otherwise. Local test registries rarely speak TLS.
func guessScheme(host string) string {
	if strings.HasSuffix(host, ":80") {
		return "http"
	}
	h := host
	if hh, _, err := net.SplitHostPort(host); err == nil {
		h = hh
	}
	if h == "localhost" {
		return "http"
	}
	if ip := net.ParseIP(strings.Trim(h, "[]")); ip != nil && ip.IsLoopback() {
		return "http"
	}
	return "https"
}

// For checking errors when writing to the destination, to distinguish
// cancellation from real write errors.
func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
