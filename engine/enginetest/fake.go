// Package enginetest provides an in-memory Engine for tests. Provers and
// verifiers that use the same coordination URL are linked: whatever the
// prover reveals is what the verifier sees.
package enginetest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"notary-mpc/engine"
	"notary-mpc/redaction"
)

// DefaultResponse is returned for every request unless Fake.Response is set.
const DefaultResponse = "HTTP/1.1 200 OK\r\nContent-Type: application/json\r\n\r\n{\"balance\":42}"

// Fake implements engine.Engine. Set Fail to inject an error for an
// operation name ("new_prover", "setup", "send_request", "transcript",
// "notarize", "reveal", "new_verifier", "connect", "verify").
type Fake struct {
	Response string

	mu        sync.Mutex
	fail      map[string]error
	block     map[string]chan struct{}
	sessions  map[string]*session
	calls     []string
	notarized []redaction.Commitment
}

var _ engine.Engine = (*Fake)(nil)

func New() *Fake {
	return &Fake{
		fail:     make(map[string]error),
		sessions: make(map[string]*session),
		block:    make(map[string]chan struct{}),
	}
}

// Hold makes op wait until release is called or the caller's context ends.
func (f *Fake) Hold(op string) (release func()) {
	ch := make(chan struct{})
	f.mu.Lock()
	f.block[op] = ch
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			if f.block[op] == ch {
				delete(f.block, op)
			}
			f.mu.Unlock()
			close(ch)
		})
	}
}

// Fail makes op return err until cleared with a nil err.
func (f *Fake) Fail(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.fail, op)
		return
	}
	f.fail[op] = err
}

// Calls returns the operation names invoked so far, in order.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// Notarized returns the commitments passed to Notarize.
func (f *Fake) Notarized() []redaction.Commitment {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]redaction.Commitment(nil), f.notarized...)
}

func (f *Fake) enter(ctx context.Context, op string) error {
	f.mu.Lock()
	f.calls = append(f.calls, op)
	err := f.fail[op]
	block := f.block[op]
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (f *Fake) session(url string) *session {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[url]
	if !ok {
		s = &session{revealed: make(chan revealed, 1)}
		f.sessions[url] = s
	}
	return s
}

type revealed struct {
	serverName string
	sent, recv []byte
}

type session struct {
	revealed chan revealed
}

func (f *Fake) NewProver(ctx context.Context, cfg engine.ProverConfig) (engine.Prover, error) {
	if err := f.enter(ctx, "new_prover"); err != nil {
		return nil, err
	}
	return &prover{f: f, cfg: cfg}, nil
}

func (f *Fake) NewVerifier(ctx context.Context, cfg engine.VerifierConfig) (engine.Verifier, error) {
	if err := f.enter(ctx, "new_verifier"); err != nil {
		return nil, err
	}
	return &verifier{f: f, cfg: cfg}, nil
}

type prover struct {
	f          *Fake
	cfg        engine.ProverConfig
	sess       *session
	serverName string
	transcript *engine.Transcript
}

func (p *prover) Setup(ctx context.Context, coordinationURL string) error {
	if err := p.f.enter(ctx, "setup"); err != nil {
		return err
	}
	p.sess = p.f.session(coordinationURL)
	return nil
}

func (p *prover) SendRequest(ctx context.Context, proxyURL string, req engine.HTTPRequest) error {
	if err := p.f.enter(ctx, "send_request"); err != nil {
		return err
	}
	if p.sess == nil {
		return fmt.Errorf("prover not set up")
	}
	u, err := url.Parse(req.URL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}

	path := u.RequestURI()
	method := req.Method
	if method == "" {
		method = "GET"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s HTTP/1.1\r\nHost: %s\r\n", method, path, u.Host)
	names := make([]string, 0, len(req.Headers))
	for name := range req.Headers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&b, "%s: %s\r\n", strings.ToLower(name), req.Headers[name])
	}
	b.WriteString("\r\n")
	b.Write(req.Body)

	resp := p.f.Response
	if resp == "" {
		resp = DefaultResponse
	}

	sent, recv := []byte(b.String()), []byte(resp)
	if p.cfg.MaxSentData > 0 && len(sent) > p.cfg.MaxSentData {
		return fmt.Errorf("sent %d bytes exceeds limit %d", len(sent), p.cfg.MaxSentData)
	}
	if p.cfg.MaxRecvData > 0 && len(recv) > p.cfg.MaxRecvData {
		return fmt.Errorf("received %d bytes exceeds limit %d", len(recv), p.cfg.MaxRecvData)
	}
	p.serverName = u.Hostname()
	p.transcript = &engine.Transcript{Sent: sent, Recv: recv}
	return nil
}

func (p *prover) Transcript(ctx context.Context) (engine.Transcript, error) {
	if err := p.f.enter(ctx, "transcript"); err != nil {
		return engine.Transcript{}, err
	}
	if p.transcript == nil {
		return engine.Transcript{}, fmt.Errorf("no request sent")
	}
	return *p.transcript, nil
}

func (p *prover) masked(c redaction.Commitment) (revealed, error) {
	if p.transcript == nil {
		return revealed{}, fmt.Errorf("no request sent")
	}
	for _, r := range append(append([]redaction.ByteRange(nil), c.Sent...), c.Recv...) {
		if r.Start < 0 || r.Start > r.End {
			return revealed{}, fmt.Errorf("invalid range %s", r)
		}
	}
	sent := redaction.Mask(p.transcript.Sent, c.Sent, 0)
	recv := redaction.Mask(p.transcript.Recv, c.Recv, 0)
	return revealed{serverName: p.serverName, sent: sent, recv: recv}, nil
}

// Proof is the JSON document the fake returns from Notarize.
type Proof struct {
	ServerName string               `json:"serverName"`
	Commitment redaction.Commitment `json:"commitment"`
	Sent       []byte               `json:"sent"`
	Recv       []byte               `json:"recv"`
}

func (p *prover) Notarize(ctx context.Context, c redaction.Commitment) (engine.NotarizationOutputs, error) {
	if err := p.f.enter(ctx, "notarize"); err != nil {
		return engine.NotarizationOutputs{}, err
	}
	rv, err := p.masked(c)
	if err != nil {
		return engine.NotarizationOutputs{}, err
	}
	p.f.mu.Lock()
	p.f.notarized = append(p.f.notarized, c)
	p.f.mu.Unlock()

	proof, err := json.Marshal(Proof{ServerName: rv.serverName, Commitment: c, Sent: rv.sent, Recv: rv.recv})
	if err != nil {
		return engine.NotarizationOutputs{}, err
	}
	return engine.NotarizationOutputs{Proof: proof, SessionID: p.cfg.ID}, nil
}

func (p *prover) Reveal(ctx context.Context, c redaction.Commitment) error {
	if err := p.f.enter(ctx, "reveal"); err != nil {
		return err
	}
	rv, err := p.masked(c)
	if err != nil {
		return err
	}
	select {
	case p.sess.revealed <- rv:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *prover) Close() error { return nil }

type verifier struct {
	f    *Fake
	cfg  engine.VerifierConfig
	sess *session
}

func (v *verifier) Connect(ctx context.Context, proverURL string) error {
	if err := v.f.enter(ctx, "connect"); err != nil {
		return err
	}
	v.sess = v.f.session(proverURL)
	return nil
}

func (v *verifier) Verify(ctx context.Context) (engine.VerifyResult, error) {
	if err := v.f.enter(ctx, "verify"); err != nil {
		return engine.VerifyResult{}, err
	}
	if v.sess == nil {
		return engine.VerifyResult{}, fmt.Errorf("verifier not connected")
	}
	select {
	case rv := <-v.sess.revealed:
		return engine.VerifyResult{
			ServerName: rv.serverName,
			Sent:       rv.sent,
			Recv:       rv.recv,
			VerifiedAt: time.Now(),
		}, nil
	case <-ctx.Done():
		return engine.VerifyResult{}, ctx.Err()
	}
}

func (v *verifier) Close() error { return nil }
