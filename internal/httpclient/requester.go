// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package httpclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2/clientcredentials"

	autoerrors "github.com/tombee/automation-core/internal/errors"
	"github.com/tombee/automation-core/internal/security"
)

// maxResponseBodyPreview is the hard cap on how much of a response
// body is captured for storage, per spec.
const maxResponseBodyPreview = 4 * 1024

// AuthKind selects how a Call authenticates its outbound request.
type AuthKind string

const (
	AuthNone   AuthKind = "none"
	AuthBearer AuthKind = "bearer"
	AuthBasic  AuthKind = "basic"
	AuthOAuth2 AuthKind = "oauth2"
	AuthCustom AuthKind = "custom"
)

// Auth configures the chosen AuthKind's parameters. Only the fields
// relevant to Kind are read.
type Auth struct {
	Kind AuthKind

	// bearer
	Token string

	// basic
	Username string
	Password string

	// oauth2 (client-credentials flow; token cached until expiry by
	// the underlying clientcredentials.Config/TokenSource)
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string

	// custom: pass-through headers
	Headers map[string]string
}

// CallSpec describes one outbound HTTP call.
type CallSpec struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
	Timeout time.Duration
	Auth    Auth
}

// CallResult captures what the spec requires be recorded about a call:
// status, headers of interest, and a body preview truncated to 4 KiB.
type CallResult struct {
	StatusCode  int
	Headers     http.Header
	BodyPreview []byte
	Duration    time.Duration
}

// Requester issues single outbound HTTP calls with auth, a defensive
// URL check, and response capture. It retries only as the
// Config.RetryAttempts it was built with allows — callers needing
// retries (e.g. workflow action nodes) set it when constructing the
// underlying client;
// runbook executions use a zero-retry Requester per spec §4.5's
// "one request, one result" default.
type Requester struct {
	client   *http.Client
	security *security.HTTPSecurityConfig

	mu           sync.Mutex
	oauthSources map[string]*clientcredentials.Config
}

// NewRequester builds a Requester. sec may be nil to skip the
// defensive URL check (tests only — production wiring always passes
// a configured HTTPSecurityConfig).
func NewRequester(cfg Config, sec *security.HTTPSecurityConfig) (*Requester, error) {
	client, err := New(cfg)
	if err != nil {
		return nil, err
	}
	return &Requester{client: client, security: sec, oauthSources: make(map[string]*clientcredentials.Config)}, nil
}

// Do issues one HTTP call per spec, returning a CallResult on any
// response (including 4xx/5xx) and a nil CallResult when the call never
// produced a response (SSRF rejection, dial failure, timeout). A non-2xx
// response returns its CallResult together with an error.
// Non-2xx and connection-level failures are classified via
// autoerrors.TransientError (retryable: 5xx, 429, connection resets)
// or autoerrors.UpstreamFailureError (terminal: other 4xx) for the
// caller to record against the execution.
func (r *Requester) Do(ctx context.Context, spec CallSpec) (*CallResult, error) {
	if r.security != nil {
		if err := r.security.ValidateURL(spec.URL); err != nil {
			return nil, fmt.Errorf("rejected outbound URL: %w", err)
		}
		if err := r.security.ValidateMethod(spec.Method); err != nil {
			return nil, fmt.Errorf("rejected method: %w", err)
		}
	}

	var body io.Reader
	if len(spec.Body) > 0 {
		body = bytes.NewReader(spec.Body)
	}

	req, err := http.NewRequestWithContext(ctx, spec.Method, spec.URL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	for k, v := range spec.Headers {
		req.Header.Set(k, v)
	}
	if err := r.applyAuth(ctx, req, spec.Auth); err != nil {
		return nil, fmt.Errorf("failed to apply auth: %w", err)
	}

	client := r.client
	if spec.Timeout > 0 {
		shallow := *r.client
		shallow.Timeout = spec.Timeout
		client = &shallow
	}

	start := time.Now()
	resp, err := client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		return nil, &autoerrors.TransientError{Operation: "http_call", Cause: err}
	}
	defer resp.Body.Close()

	limited := io.LimitReader(resp.Body, maxResponseBodyPreview)
	preview, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	result := &CallResult{
		StatusCode:  resp.StatusCode,
		Headers:     resp.Header,
		BodyPreview: preview,
		Duration:    elapsed,
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return result, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return result, &autoerrors.TransientError{Operation: "http_call",
			Cause: fmt.Errorf("upstream returned status %d", resp.StatusCode)}
	default:
		return result, &autoerrors.UpstreamFailureError{Target: spec.URL,
			Cause: fmt.Errorf("upstream returned status %d", resp.StatusCode)}
	}
}

func (r *Requester) applyAuth(ctx context.Context, req *http.Request, auth Auth) error {
	switch auth.Kind {
	case "", AuthNone:
		return nil
	case AuthBearer:
		req.Header.Set("Authorization", "Bearer "+auth.Token)
		return nil
	case AuthBasic:
		req.SetBasicAuth(auth.Username, auth.Password)
		return nil
	case AuthCustom:
		for k, v := range auth.Headers {
			req.Header.Set(k, v)
		}
		return nil
	case AuthOAuth2:
		cfg := r.oauthConfig(auth)
		token, err := cfg.Token(ctx)
		if err != nil {
			return fmt.Errorf("failed to obtain oauth2 token: %w", err)
		}
		token.SetAuthHeader(req)
		return nil
	default:
		return fmt.Errorf("unknown auth kind: %s", auth.Kind)
	}
}

// oauthConfig returns a cached clientcredentials.Config for the given
// client id/secret/token URL, so the oauth2 library's own token cache
// (embedded in the TokenSource it returns) is reused across calls
// instead of re-authenticating every request.
func (r *Requester) oauthConfig(auth Auth) *clientcredentials.Config {
	key := auth.TokenURL + "|" + auth.ClientID
	r.mu.Lock()
	defer r.mu.Unlock()

	if cfg, ok := r.oauthSources[key]; ok {
		return cfg
	}
	cfg := &clientcredentials.Config{
		ClientID:     auth.ClientID,
		ClientSecret: auth.ClientSecret,
		TokenURL:     auth.TokenURL,
		Scopes:       auth.Scopes,
	}
	r.oauthSources[key] = cfg
	return cfg
}
