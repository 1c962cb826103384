// Package engine runs one firmware download session: probe, plan, transfer,
// finalize.
package engine

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tanq16/gsmota/internal/linkguard"
	"github.com/tanq16/gsmota/internal/planner"
	"github.com/tanq16/gsmota/internal/transport"
	"github.com/tanq16/gsmota/internal/utils"
	"github.com/tanq16/gsmota/internal/wire"
)

type Engine struct {
	config   Config
	client   transport.Client
	sink     Sink
	guard    *linkguard.Guard
	probe    Probe
	rebooter Rebooter
	observer Observer
	backoff  backoff.BackOff
	buf      []byte
}

type Option func(*Engine)

func WithGuard(g *linkguard.Guard) Option { return func(e *Engine) { e.guard = g } }
func WithProbe(p Probe) Option            { return func(e *Engine) { e.probe = p } }
func WithRebooter(r Rebooter) Option      { return func(e *Engine) { e.rebooter = r } }
func WithObserver(o Observer) Option      { return func(e *Engine) { e.observer = o } }

// WithBackOff replaces the fixed retry interval between failed chunk
// attempts. A policy returning backoff.Stop ends the session.
func WithBackOff(b backoff.BackOff) Option { return func(e *Engine) { e.backoff = b } }

func New(cfg Config, client transport.Client, sink Sink, opts ...Option) *Engine {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = utils.DefaultChunkSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = utils.DefaultClientTimeout
	}
	e := &Engine{
		config: cfg,
		client: client,
		sink:   sink,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.backoff == nil {
		e.backoff = backoff.NewConstantBackOff(cfg.RetryInterval)
	}
	// one fixed buffer for the life of the engine
	e.buf = make([]byte, cfg.ChunkSize)
	return e
}

// session carries the per-run state.
type session struct {
	desc  utils.UpdateDescriptor
	state utils.TransferState
	res   Result
	log   zerolog.Logger

	// streamErr is why a whole-file stream ended early, if it did.
	streamErr error
}

// Run downloads and installs the image described by desc. ctx bounds the
// chunked retry loop and is checked between chunks and during backoff; it
// never interrupts a read in progress.
func (e *Engine) Run(ctx context.Context, desc utils.UpdateDescriptor) (Result, error) {
	s := &session{desc: desc}
	s.res.SessionID = uuid.NewString()
	s.log = utils.GetLogger("engine").With().Str("session", s.res.SessionID).Logger()
	e.client.SetTimeout(e.config.Timeout)
	e.backoff.Reset()

	e.transition(s, Probing, nil)
	s.log.Info().Msgf("Probing %s%s", desc.Address(), desc.Path)
	if err := e.probeImage(ctx, s); err != nil {
		return e.fail(s, err, false)
	}

	if err := e.sink.Begin(s.state.ContentLength); err != nil {
		if utils.KindOf(err) == utils.KindUnknown {
			err = utils.Fail(utils.KindInsufficientSpace, err, "sink refused %d bytes", s.state.ContentLength)
		}
		return e.fail(s, err, false)
	}
	if desc.Checksum != "" {
		if err := e.sink.SetExpectedDigest(desc.Checksum); err != nil {
			return e.fail(s, err, true)
		}
	}

	plan := planner.New(s.state.ContentLength, e.config.ChunkSize, s.state.SupportsRanges, planner.Options{
		SingleShotThreshold: e.config.SingleShotThreshold,
		DisableChunked:      e.config.DisableChunked,
	})
	s.res.Strategy = plan.Strategy
	s.log.Info().Msgf("Image is %s, using %s transfer", utils.FormatBytes(uint64(s.state.ContentLength)), plan.Strategy)

	var err error
	switch plan.Strategy {
	case planner.Chunked:
		e.transition(s, ChunkedTransfer, nil)
		err = e.chunked(ctx, s, plan)
	default:
		e.transition(s, WholeFileTransfer, nil)
		err = e.wholeFile(ctx, s)
	}
	if err != nil {
		return e.fail(s, err, true)
	}

	e.transition(s, Finalizing, nil)
	if err := e.finalize(s); err != nil {
		return e.fail(s, err, true)
	}
	e.transition(s, Succeeded, nil)
	s.log.Info().Str("digest", s.res.Digest).Msgf("Update installed, %d bytes", s.state.TotalWritten)
	if e.rebooter != nil {
		if err := e.rebooter.RequestReboot(); err != nil {
			s.log.Error().Err(err).Msg("Reboot request failed")
		} else {
			s.res.Rebooted = true
		}
	}
	return s.result(), nil
}

// probeImage issues the HEAD request and fills the transfer state.
func (e *Engine) probeImage(ctx context.Context, s *session) error {
	if err := e.guard.Acquire(ctx); err != nil {
		return err
	}
	defer e.guard.Release()
	if err := e.connect(ctx, s); err != nil {
		return utils.Fail(utils.KindConnect, err, "probe connect")
	}
	defer e.client.Close()

	resp, err := e.exchange(wire.Request{
		Method: http.MethodHead,
		Path:   s.desc.Path,
		Host:   s.desc.Host,
		Port:   s.desc.Port,
	}, wire.Expect{Status: http.StatusOK, ContentType: utils.ContentTypeFirmware}, s)
	if err != nil {
		if k := utils.KindOf(err); k == utils.KindTimeout || k == utils.KindConnect {
			return utils.Fail(utils.KindConnect, err, "probe")
		}
		return err
	}
	if !resp.Accepted {
		return utils.Fail(utils.KindServerRejected, nil, "probe got status %d", resp.StatusCode)
	}
	s.state = utils.TransferState{
		ContentLength:  resp.ContentLength,
		ContentType:    resp.ContentType,
		SupportsRanges: resp.AcceptRanges,
	}
	if resp.ContentLength == 0 || !resp.ValidContentType {
		return utils.Fail(utils.KindEmptyOrInvalidResponse, nil, "length %d, content type %q", resp.ContentLength, resp.ContentType)
	}
	return nil
}

func (e *Engine) finalize(s *session) error {
	if s.state.TotalWritten != s.state.ContentLength {
		s.log.Warn().Msgf("Wrote %d of %d bytes, leaving the verdict to the sink", s.state.TotalWritten, s.state.ContentLength)
	}
	if err := e.sink.Finalize(); err != nil {
		if s.streamErr != nil {
			return utils.Fail(utils.KindIncompleteOrCorrupt, s.streamErr, "finalize (%v)", err)
		}
		if utils.KindOf(err) == utils.KindIncompleteOrCorrupt {
			return err
		}
		return utils.Fail(utils.KindIncompleteOrCorrupt, err, "finalize")
	}
	s.res.Digest = e.sink.Digest()
	if !e.sink.IsComplete() {
		return utils.Fail(utils.KindIncompleteOrCorrupt, s.streamErr, "sink reports image incomplete")
	}
	return nil
}

func (e *Engine) connect(ctx context.Context, s *session) error {
	s.res.Connections++
	if err := e.client.Connect(ctx, s.desc.Host, s.desc.Port); err != nil {
		return err
	}
	return nil
}

// exchange sends req and parses the response headers.
func (e *Engine) exchange(req wire.Request, exp wire.Expect, s *session) (wire.Response, error) {
	s.log.Debug().Msgf("%s %s range=%v", req.Method, req.Path, req.Range)
	if _, err := e.client.Write(req.Bytes()); err != nil {
		return wire.Response{}, utils.Fail(utils.KindConnect, err, "sending %s", req.Method)
	}
	if err := e.client.WaitForData(e.config.Timeout); err != nil {
		return wire.Response{}, linkError(err, "no response within %s", e.config.Timeout)
	}
	resp, err := wire.ReadHeaders(e.client, exp)
	if err != nil {
		if utils.KindOf(err) != utils.KindUnknown {
			return resp, err
		}
		return resp, linkError(err, "reading headers")
	}
	s.log.Debug().Msgf("Response %s", resp)
	return resp, nil
}

func linkError(err error, format string, args ...any) error {
	if transport.IsTimeout(err) {
		return utils.Fail(utils.KindTimeout, err, format, args...)
	}
	return utils.Fail(utils.KindConnect, err, format, args...)
}

func (e *Engine) fail(s *session, err error, began bool) (Result, error) {
	if began {
		if aerr := e.sink.Abort(); aerr != nil {
			s.log.Warn().Err(aerr).Msg("Sink abort failed")
		}
	}
	e.transition(s, Failed, err)
	s.log.Error().Err(err).Msgf("Update session failed after %d bytes", s.state.TotalWritten)
	return s.result(), err
}

func (e *Engine) transition(s *session, state State, err error) {
	s.res.State = state
	s.log.Debug().Msgf("State %s", state)
	if e.observer != nil {
		e.observer.OnState(state, err)
	}
}

func (e *Engine) progress(s *session) {
	if e.observer != nil {
		e.observer.OnProgress(s.state.TotalWritten, s.state.ContentLength)
	}
}

func (e *Engine) linkUp() bool {
	return e.probe == nil || e.probe.IsUp()
}

func (s *session) result() Result {
	r := s.res
	r.Transfer = s.state
	return r
}

// sleep waits d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var errRetriesExhausted = errors.New("retry policy gave up")
