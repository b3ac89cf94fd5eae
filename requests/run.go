package requests

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"notary-mpc/engine"
	"notary-mpc/redaction"
	"notary-mpc/shared"
)

type run struct {
	cancel context.CancelFunc
}

func (m *Manager) launch(id string, spec Spec) {
	ctx, cancel := context.WithCancel(m.runCtx)
	r := &run{cancel: cancel}

	m.runMu.Lock()
	m.running[id] = r
	m.runMu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			cancel()
			m.runMu.Lock()
			if m.running[id] == r {
				delete(m.running, id)
			}
			m.runMu.Unlock()
		}()
		m.execute(ctx, id, spec)
	}()
}

// execute drives one engine session. Any engine error or commitment fault
// ends in Fail; the outcome is recorded with a fresh context so a cancelled
// run still leaves a terminal status behind.
func (m *Manager) execute(ctx context.Context, id string, spec Spec) {
	logger := m.logger.WithRequest(id)

	proof, err := m.notarize(ctx, id, spec)
	record := context.WithoutCancel(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("Notarization run cancelled")
		}
		if ferr := m.Fail(record, id, err); ferr != nil {
			logger.Error("Failed to record request failure", zap.Error(ferr))
		}
		return
	}
	if cerr := m.Complete(record, id, proof); cerr != nil {
		logger.Error("Failed to record request completion", zap.Error(cerr))
	}
}

func (m *Manager) notarize(ctx context.Context, id string, spec Spec) ([]byte, error) {
	advance := func(p Progress) {
		if err := m.Advance(ctx, id, p); err != nil {
			m.logger.WithRequest(id).Warn("Failed to record progress", zap.Stringer("progress", p), zap.Error(err))
		}
	}

	advance(ProgressCreatingProver)
	prover, err := m.engine.NewProver(ctx, engine.ProverConfig{
		ID:          id,
		ServerName:  spec.ServerName(),
		MaxSentData: spec.MaxSentData,
		MaxRecvData: spec.MaxRecvData,
	})
	if err != nil {
		return nil, shared.NewEngineError("creating prover", err)
	}
	defer prover.Close()

	advance(ProgressGettingSession)
	advance(ProgressSettingUpProver)
	if err := prover.Setup(ctx, spec.NotaryURL); err != nil {
		return nil, shared.NewEngineError("setting up prover", err)
	}

	advance(ProgressSendingRequest)
	if err := prover.SendRequest(ctx, spec.WebsocketProxyURL, spec.HTTPRequest()); err != nil {
		return nil, shared.NewEngineError("sending request", err)
	}

	advance(ProgressReadingTranscript)
	transcript, err := prover.Transcript(ctx)
	if err != nil {
		return nil, shared.NewEngineError("reading transcript", err)
	}

	advance(ProgressFinalizingOutputs)
	commitment, err := redaction.BuildCommitment(redaction.Secrets{
		Headers:   spec.SecretHeaders,
		Resps:     spec.SecretResps,
		JSONPaths: spec.SecretJSONPaths,
		XPaths:    spec.SecretXPaths,
	}, transcript.Sent, transcript.Recv)
	if err != nil {
		m.logger.Security("Refusing to notarize with inconsistent secret ranges",
			zap.String("request_id", id), zap.Error(err))
		return nil, err
	}

	out, err := prover.Notarize(ctx, commitment)
	if err != nil {
		return nil, shared.NewEngineError("finalizing outputs", err)
	}
	return out.Proof, nil
}
