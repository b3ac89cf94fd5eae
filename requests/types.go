// Package requests drives solo-mode notarization requests through the MPC
// engine and records every status, progress, error and proof change in the
// store.
package requests

import (
	"fmt"
	"maps"
	"net/url"
	"slices"
	"sort"
	"strings"
	"time"

	"notary-mpc/engine"
	"notary-mpc/shared"
)

// Status of a notarization request. The zero value means unset.
type Status string

const (
	StatusUnset   Status = ""
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Progress is the sub-state of a pending request. It only moves forward
// until the request completes, fails or is retried.
type Progress int

const (
	ProgressNone Progress = iota
	ProgressCreatingProver
	ProgressGettingSession
	ProgressSettingUpProver
	ProgressSendingRequest
	ProgressReadingTranscript
	ProgressFinalizingOutputs
)

var progressNames = []string{
	ProgressNone:              "",
	ProgressCreatingProver:    "creating_prover",
	ProgressGettingSession:    "getting_session",
	ProgressSettingUpProver:   "setting_up_prover",
	ProgressSendingRequest:    "sending_request",
	ProgressReadingTranscript: "reading_transcript",
	ProgressFinalizingOutputs: "finalizing_outputs",
}

func (p Progress) String() string {
	if p < 0 || int(p) >= len(progressNames) {
		return fmt.Sprintf("Progress(%d)", int(p))
	}
	return progressNames[p]
}

func (p Progress) MarshalText() ([]byte, error) {
	if p < 0 || int(p) >= len(progressNames) {
		return nil, fmt.Errorf("invalid progress %d", int(p))
	}
	return []byte(progressNames[p]), nil
}

func (p *Progress) UnmarshalText(b []byte) error {
	for i, name := range progressNames {
		if name == string(b) {
			*p = Progress(i)
			return nil
		}
	}
	return fmt.Errorf("unknown progress %q", b)
}

// EndpointConfig names the services a request talks to. Zero fields keep
// the current value when passed to Retry.
type EndpointConfig struct {
	NotaryURL         string `json:"notaryUrl,omitempty"`
	WebsocketProxyURL string `json:"websocketProxyUrl,omitempty"`
	MaxSentData       int    `json:"maxSentData,omitempty"`
	MaxRecvData       int    `json:"maxRecvData,omitempty"`
}

// Spec is what a caller asks to notarize.
type Spec struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`

	EndpointConfig

	SecretHeaders   []string `json:"secretHeaders,omitempty"`
	SecretResps     []string `json:"secretResps,omitempty"`
	SecretJSONPaths []string `json:"secretJsonPaths,omitempty"`
	SecretXPaths    []string `json:"secretXPaths,omitempty"`
}

// HTTPRequest returns the request the prover sends through the engine.
func (s Spec) HTTPRequest() engine.HTTPRequest {
	return engine.HTTPRequest{
		URL:     s.URL,
		Method:  s.Method,
		Headers: s.Headers,
		Body:    []byte(s.Body),
	}
}

// Request is the persisted notarization record.
type Request struct {
	ID string `json:"id"`
	Spec

	Status       Status               `json:"status"`
	Progress     Progress             `json:"progress,omitempty"`
	Error        string               `json:"error,omitempty"`
	Proof        []byte               `json:"proof,omitempty"`
	Verification *engine.VerifyResult `json:"verification,omitempty"`
	Attestation  *shared.Attestation  `json:"attestation,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Update is pushed to subscribers after every persisted change.
type Update struct {
	Request Request `json:"request"`
	Deleted bool    `json:"deleted,omitempty"`
}

func serverName(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// ServerName returns the host the request targets.
func (s Spec) ServerName() string { return serverName(s.URL) }

// WithCredentials adds stored host headers and cookies to a copy of s. Headers
// already set on s win. Every added header line is marked secret.
func (s Spec) WithCredentials(headers, cookies map[string]string) Spec {
	out := s
	out.Headers = maps.Clone(s.Headers)
	if out.Headers == nil {
		out.Headers = make(map[string]string)
	}
	out.SecretHeaders = slices.Clone(s.SecretHeaders)

	has := func(name string) bool {
		for existing := range out.Headers {
			if strings.EqualFold(existing, name) {
				return true
			}
		}
		return false
	}

	for _, name := range slices.Sorted(maps.Keys(headers)) {
		if has(name) {
			continue
		}
		out.Headers[name] = headers[name]
		out.SecretHeaders = append(out.SecretHeaders, name+": "+headers[name])
	}

	if len(cookies) > 0 && !has("Cookie") {
		parts := make([]string, 0, len(cookies))
		for name, value := range cookies {
			parts = append(parts, name+"="+value)
		}
		sort.Strings(parts)
		cookie := strings.Join(parts, "; ")
		out.Headers["Cookie"] = cookie
		out.SecretHeaders = append(out.SecretHeaders, "Cookie: "+cookie)
	}
	return out
}
