// Package engine describes the MPC-TLS engine collaborator. The engine is an
// opaque service: the notary only drives it through these interfaces and
// treats any returned error as fatal for the request in flight.
package engine

import (
	"context"
	"time"

	"notary-mpc/redaction"
)

// HTTPRequest is the HTTP exchange the prover performs through the engine.
type HTTPRequest struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`
}

// ProverConfig sizes a prover instance.
type ProverConfig struct {
	ID          string `json:"id"`
	ServerName  string `json:"serverName"`
	MaxSentData int    `json:"maxSentData"`
	MaxRecvData int    `json:"maxRecvData"`
}

// VerifierConfig sizes a verifier instance.
type VerifierConfig struct {
	ID          string `json:"id"`
	MaxSentData int    `json:"maxSentData"`
	MaxRecvData int    `json:"maxRecvData"`
}

// Transcript is what the prover sent and received over TLS. Ranges carries
// engine-labelled sections (for example "recv.body").
type Transcript struct {
	Sent   []byte                         `json:"sent"`
	Recv   []byte                         `json:"recv"`
	Ranges map[string]redaction.ByteRange `json:"ranges,omitempty"`
}

// NotarizationOutputs is the opaque result of solo-mode notarization.
type NotarizationOutputs struct {
	Proof     []byte `json:"proof"`
	SessionID string `json:"sessionId,omitempty"`
}

// VerifyResult is what a verifier learned: the disclosed transcript bytes
// with undisclosed bytes zeroed, and the server identity.
type VerifyResult struct {
	ServerName string    `json:"serverName"`
	Sent       []byte    `json:"sent"`
	Recv       []byte    `json:"recv"`
	VerifiedAt time.Time `json:"verifiedAt"`
}

// Prover is the MPC-TLS prover side.
type Prover interface {
	Setup(ctx context.Context, coordinationURL string) error
	SendRequest(ctx context.Context, proxyURL string, req HTTPRequest) error
	Transcript(ctx context.Context) (Transcript, error)
	Notarize(ctx context.Context, c redaction.Commitment) (NotarizationOutputs, error)
	Reveal(ctx context.Context, c redaction.Commitment) error
	Close() error
}

// Verifier is the MPC-TLS verifier side.
type Verifier interface {
	Connect(ctx context.Context, proverURL string) error
	Verify(ctx context.Context) (VerifyResult, error)
	Close() error
}

// Engine creates prover and verifier instances.
type Engine interface {
	NewProver(ctx context.Context, cfg ProverConfig) (Prover, error)
	NewVerifier(ctx context.Context, cfg VerifierConfig) (Verifier, error)
}

// RPC method names shared by Remote and Handler.
const (
	MethodNewProver         = "new_prover"
	MethodNewVerifier       = "new_verifier"
	MethodProverSetup       = "prover_setup"
	MethodProverSendRequest = "prover_send_request"
	MethodProverTranscript  = "prover_transcript"
	MethodProverNotarize    = "prover_notarize"
	MethodProverReveal      = "prover_reveal"
	MethodVerifierConnect   = "verifier_connect"
	MethodVerifierVerify    = "verifier_verify"
	MethodClose             = "close"
)
