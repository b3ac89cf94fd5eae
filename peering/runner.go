package peering

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"notary-mpc/engine"
	"notary-mpc/redaction"
	"notary-mpc/relay"
	"notary-mpc/requests"
	"notary-mpc/shared"
)

// endWait bounds how long a prover waits for the verifier's verdict after
// revealing.
const endWait = 2 * time.Minute

// endResult is the payload of a successful verifier proof_request_end.
type endResult struct {
	Attestation *shared.Attestation `json:"attestation,omitempty"`
}

// pipeID names the proof pipe both sides dial for a run.
func pipeID(hash, proverID string) string { return hash + "." + proverID }

func (e *Engine) startRun(l *loop, eff StartRun) {
	ctx, cancel := context.WithCancelCause(l.ctx)
	e.runMu.Lock()
	e.runCancel = cancel
	e.runMu.Unlock()

	run := eff.Run
	logger := e.logger.WithPeer(run.Peer).With(zap.String("plugin_hash", run.Hash), zap.String("role", string(run.Role)))
	logger.Info("Proof run started")

	e.runWG.Add(1)
	go func() {
		defer e.runWG.Done()
		defer cancel(nil)

		result := Result{Hash: run.Hash, Peer: run.Peer, Role: run.Role}
		spec, err := ParsePlugin(eff.Plugin)
		if err == nil {
			result.Spec = spec
			switch run.Role {
			case RoleProver:
				result.Attestation, err = e.runProver(ctx, l, run, eff.ClientID, spec)
			case RoleVerifier:
				result.Verification, result.Attestation, err = e.runVerifier(ctx, l, run, spec)
			}
		}
		e.signals.Clear(run.Hash)
		result.FinishedAt = time.Now()

		end := relay.SignalParams{Target: run.Peer, PluginHash: run.Hash}
		if err != nil {
			result.Error = err.Error()
			end.Error = err.Error()
			logger.Warn("Proof run failed", zap.Error(err))
		} else {
			if run.Role == RoleVerifier && result.Attestation != nil {
				end.Result, _ = json.Marshal(endResult{Attestation: result.Attestation})
			}
			logger.Info("Proof run finished")
		}
		if serr := l.t.Send(relay.MustMessage(relay.MethodProofRequestEnd, end)); serr != nil {
			logger.Debug("Failed to send proof_request_end", zap.Error(serr))
		}
		if e.cfg.OnResult != nil {
			e.cfg.OnResult(result)
		}

		select {
		case l.internal <- ProofFinished{Hash: run.Hash, Err: err}:
		case <-l.ctx.Done():
		}
	}()
}

func (e *Engine) signal(l *loop, run RunningProof, method string) error {
	return l.t.Send(relay.MustMessage(method, relay.SignalParams{Target: run.Peer, PluginHash: run.Hash}))
}

func budget(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

// runProver waits for the verifier, sets up the prover against the proof
// pipe, and only sends the HTTP request after the verifier said start. After
// revealing it waits for the verifier's verdict.
func (e *Engine) runProver(ctx context.Context, l *loop, run RunningProof, clientID string, spec requests.Spec) (*shared.Attestation, error) {
	pipe, err := relay.PipeURL(l.relayURL, pipeID(run.Hash, clientID))
	if err != nil {
		return nil, err
	}
	if _, err := e.signals.Wait(ctx, relay.MethodVerifierStarted, run.Hash); err != nil {
		return nil, fmt.Errorf("waiting for verifier: %w", err)
	}

	prover, err := e.cfg.MPC.NewProver(ctx, engine.ProverConfig{
		ID:          run.Hash,
		ServerName:  spec.ServerName(),
		MaxSentData: budget(spec.MaxSentData, requests.DefaultMaxSentData),
		MaxRecvData: budget(spec.MaxRecvData, requests.DefaultMaxRecvData),
	})
	if err != nil {
		return nil, fmt.Errorf("creating prover: %w", err)
	}
	defer prover.Close()
	if err := e.signal(l, run, relay.MethodProverInstantiated); err != nil {
		return nil, err
	}

	if err := prover.Setup(ctx, pipe); err != nil {
		return nil, fmt.Errorf("setting up prover: %w", err)
	}
	if err := e.signal(l, run, relay.MethodProverSetup); err != nil {
		return nil, err
	}
	if err := e.signal(l, run, relay.MethodProverStarted); err != nil {
		return nil, err
	}

	if _, err := e.signals.Wait(ctx, relay.MethodProofRequestStart, run.Hash); err != nil {
		return nil, fmt.Errorf("waiting for verifier start: %w", err)
	}

	spec = e.withHostCredentials(ctx, spec)
	proxy := spec.WebsocketProxyURL
	if proxy == "" {
		proxy = e.cfg.ProxyURL
	}
	if err := prover.SendRequest(ctx, proxy, spec.HTTPRequest()); err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	transcript, err := prover.Transcript(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading transcript: %w", err)
	}

	commitment, err := redaction.BuildCommitment(redaction.Secrets{
		Headers:   spec.SecretHeaders,
		Resps:     spec.SecretResps,
		JSONPaths: spec.SecretJSONPaths,
		XPaths:    spec.SecretXPaths,
	}, transcript.Sent, transcript.Recv)
	if err != nil {
		e.logger.Security("Refusing to reveal with inconsistent secret ranges", zap.String("plugin_hash", run.Hash), zap.Error(err))
		return nil, err
	}
	if err := prover.Reveal(ctx, commitment); err != nil {
		return nil, fmt.Errorf("revealing: %w", err)
	}
	return e.awaitVerdict(ctx, run, spec)
}

// awaitVerdict waits for the verifier's proof_request_end and checks the
// attestation it carries, if any.
func (e *Engine) awaitVerdict(ctx context.Context, run RunningProof, spec requests.Spec) (*shared.Attestation, error) {
	ctx, cancel := context.WithTimeout(ctx, endWait)
	defer cancel()
	sig, err := e.signals.Wait(ctx, relay.MethodProofRequestEnd, run.Hash)
	if err != nil {
		return nil, fmt.Errorf("waiting for verifier result: %w", err)
	}
	if sig.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrPeerAbortedRun, sig.Error)
	}
	if len(sig.Result) == 0 {
		return nil, nil
	}

	var res endResult
	if err := json.Unmarshal(sig.Result, &res); err != nil {
		return nil, fmt.Errorf("invalid verifier result: %w", err)
	}
	att := res.Attestation
	if att == nil {
		return nil, nil
	}
	if err := att.Verify(); err != nil {
		return nil, err
	}
	if att.Claim.PluginHash != run.Hash || att.Claim.ServerName != spec.ServerName() {
		return nil, fmt.Errorf("%w: claim does not match the proof", shared.ErrBadAttestation)
	}
	return att, nil
}

// runVerifier connects to the proof pipe, announces itself, and only
// verifies after the prover has started.
func (e *Engine) runVerifier(ctx context.Context, l *loop, run RunningProof, spec requests.Spec) (*engine.VerifyResult, *shared.Attestation, error) {
	pipe, err := relay.PipeURL(l.relayURL, pipeID(run.Hash, run.Peer))
	if err != nil {
		return nil, nil, err
	}

	verifier, err := e.cfg.MPC.NewVerifier(ctx, engine.VerifierConfig{
		ID:          run.Hash,
		MaxSentData: budget(spec.MaxSentData, requests.DefaultMaxSentData),
		MaxRecvData: budget(spec.MaxRecvData, requests.DefaultMaxRecvData),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("creating verifier: %w", err)
	}
	defer verifier.Close()

	if err := verifier.Connect(ctx, pipe); err != nil {
		return nil, nil, fmt.Errorf("connecting verifier: %w", err)
	}
	if err := e.signal(l, run, relay.MethodVerifierStarted); err != nil {
		return nil, nil, err
	}
	if _, err := e.signals.Wait(ctx, relay.MethodProverStarted, run.Hash); err != nil {
		return nil, nil, fmt.Errorf("waiting for prover: %w", err)
	}
	if err := e.signal(l, run, relay.MethodProofRequestStart); err != nil {
		return nil, nil, err
	}

	res, err := verifier.Verify(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("verifying: %w", err)
	}
	if want := spec.ServerName(); res.ServerName != want {
		return nil, nil, fmt.Errorf("verified server %q does not match plugin host %q", res.ServerName, want)
	}
	if e.cfg.Signer == nil {
		return &res, nil, nil
	}
	att, err := shared.SignClaim(e.cfg.Signer, shared.Claim{
		PluginHash: run.Hash,
		ServerName: res.ServerName,
		Sent:       res.Sent,
		Recv:       res.Recv,
		VerifiedAt: res.VerifiedAt,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("signing attestation: %w", err)
	}
	return &res, att, nil
}

func (e *Engine) withHostCredentials(ctx context.Context, spec requests.Spec) requests.Spec {
	if e.cfg.Hosts == nil {
		return spec
	}
	host := spec.ServerName()
	headers, err := e.cfg.Hosts.Headers(ctx, host)
	if err != nil {
		e.logger.Warn("Failed to read host headers", zap.String("host", host), zap.Error(err))
	}
	cookies, err := e.cfg.Hosts.Cookies(ctx, host)
	if err != nil {
		e.logger.Warn("Failed to read host cookies", zap.String("host", host), zap.Error(err))
	}
	return spec.WithCredentials(headers, cookies)
}
