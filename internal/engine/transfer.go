package engine

import (
	"context"
	"net/http"

	"github.com/cenkalti/backoff"

	"github.com/tanq16/gsmota/internal/planner"
	"github.com/tanq16/gsmota/internal/utils"
	"github.com/tanq16/gsmota/internal/wire"
)

// wholeFile streams the full image over a single GET. Any link failure is
// terminal; there is no resume point.
func (e *Engine) wholeFile(ctx context.Context, s *session) error {
	if err := e.guard.Acquire(ctx); err != nil {
		return err
	}
	defer e.guard.Release()
	if err := e.connect(ctx, s); err != nil {
		return utils.Fail(utils.KindConnect, err, "connect for whole-file transfer")
	}
	defer e.client.Close()

	s.res.Requests++
	resp, err := e.exchange(wire.Request{
		Method: http.MethodGet,
		Path:   s.desc.Path,
		Host:   s.desc.Host,
		Port:   s.desc.Port,
	}, wire.Expect{Status: http.StatusOK, ContentType: utils.ContentTypeFirmware}, s)
	if err != nil {
		return err
	}
	if !resp.Accepted {
		return utils.Fail(utils.KindServerRejected, nil, "whole-file GET got status %d", resp.StatusCode)
	}

	var received int64
	for received < s.state.ContentLength {
		want := min(int64(len(e.buf)), s.state.ContentLength-received)
		n, rerr := e.client.Read(e.buf[:want])
		if n > 0 {
			received += int64(n)
			written, werr := e.sink.Write(e.buf[:n])
			if werr != nil && written == 0 {
				return utils.Fail(utils.KindIncompleteOrCorrupt, werr, "sink write at offset %d", s.state.NextRangeStart)
			}
			s.state.Advance(int64(written))
			e.progress(s)
			if written < n {
				// the stream cannot be rewound; finalize decides
				s.log.Error().Stringer("kind", utils.KindShortWrite).Msgf("Short write: sink took %d of %d bytes at offset %d", written, n, s.state.NextRangeStart)
				return nil
			}
		}
		if rerr != nil {
			// finalize reports the verdict, carrying this cause
			s.streamErr = linkError(rerr, "stream ended after %d of %d bytes", received, s.state.ContentLength)
			s.log.Warn().Err(rerr).Msgf("Stream ended after %d of %d bytes", received, s.state.ContentLength)
			return nil
		}
	}
	return nil
}

type chunkOutcome int

const (
	chunkDone chunkOutcome = iota
	chunkDoneClosed
	chunkRetry
)

// chunked walks the plan from the resume cursor until every byte has been
// acknowledged by the sink. Link failures back off and retry without limit
// beyond ctx.
func (e *Engine) chunked(ctx context.Context, s *session, plan planner.Plan) error {
	defer e.client.Close()
	for s.state.Remaining() > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !e.linkUp() {
			s.log.Warn().Msg("Link is down, waiting")
			if err := e.wait(ctx, s); err != nil {
				return err
			}
			continue
		}
		chunk, _ := plan.ChunkAt(s.state.NextRangeStart)
		outcome, err := e.fetchChunk(ctx, s, chunk)
		if err != nil {
			return err
		}
		switch outcome {
		case chunkRetry:
			if err := e.wait(ctx, s); err != nil {
				return err
			}
			continue
		case chunkDoneClosed:
			if err := sleep(ctx, e.config.ReconnectPause); err != nil {
				return err
			}
		}
		e.backoff.Reset()
		if err := sleep(ctx, e.config.ChunkYield); err != nil {
			return err
		}
	}
	return nil
}

// fetchChunk performs one ranged exchange while holding the link.
func (e *Engine) fetchChunk(ctx context.Context, s *session, chunk planner.Chunk) (chunkOutcome, error) {
	if err := e.guard.Acquire(ctx); err != nil {
		return chunkRetry, err
	}
	defer e.guard.Release()

	if !e.client.Connected() {
		if err := e.connect(ctx, s); err != nil {
			s.log.Warn().Err(err).Msg("Reconnect failed")
			return chunkRetry, nil
		}
	}
	e.client.Flush()

	rng := wire.Range{First: chunk.First, Last: chunk.Last}
	s.res.Requests++
	resp, err := e.exchange(wire.Request{
		Method:    http.MethodGet,
		Path:      s.desc.Path,
		Host:      s.desc.Host,
		Port:      s.desc.Port,
		KeepAlive: true,
		Range:     &rng,
	}, wire.Expect{Status: http.StatusPartialContent, ContentType: utils.ContentTypeFirmware}, s)
	if err != nil {
		e.client.Close()
		if utils.KindOf(err) == utils.KindParse {
			return chunkRetry, err
		}
		s.log.Warn().Err(err).Msgf("Chunk %d-%d failed, retrying", chunk.First, chunk.Last)
		return chunkRetry, nil
	}
	if !resp.Accepted {
		e.client.Close()
		return chunkRetry, utils.Fail(utils.KindServerRejected, nil, "range %d-%d got status %d", chunk.First, chunk.Last, resp.StatusCode)
	}
	if !resp.ValidContentType {
		e.client.Close()
		return chunkRetry, utils.Fail(utils.KindServerRejected, nil, "range %d-%d has content type %q", chunk.First, chunk.Last, resp.ContentType)
	}

	want := rng.Len()
	if resp.ContentLength > 0 && resp.ContentLength < want {
		// the server may serve a shorter span than asked for
		s.log.Debug().Msgf("Server capped %d-%d to %d bytes", chunk.First, chunk.Last, resp.ContentLength)
		want = resp.ContentLength
	}
	n, rerr := e.client.ReadBytes(e.buf[:want])
	if int64(n) < want {
		s.log.Warn().Err(rerr).Stringer("kind", utils.KindShortRead).Msgf("Short read: got %d of %d bytes for %d-%d", n, want, chunk.First, chunk.Last)
	}
	closeAfter := !resp.KeepAlive || rerr != nil
	if n > 0 {
		written, werr := e.sink.Write(e.buf[:n])
		if werr != nil && written == 0 {
			e.client.Close()
			return chunkRetry, utils.Fail(utils.KindIncompleteOrCorrupt, werr, "sink write at offset %d", s.state.NextRangeStart)
		}
		if written < n {
			s.log.Error().Stringer("kind", utils.KindShortWrite).Msgf("Short write: sink took %d of %d bytes at offset %d", written, n, s.state.NextRangeStart)
		}
		s.state.Advance(int64(written))
		e.progress(s)
		s.log.Debug().Msgf("Progress %d/%d", s.state.TotalWritten, s.state.ContentLength)
	}
	if closeAfter {
		e.client.Close()
	}
	switch {
	case n == 0:
		return chunkRetry, nil
	case closeAfter:
		return chunkDoneClosed, nil
	default:
		return chunkDone, nil
	}
}

// wait sleeps for the next backoff interval.
func (e *Engine) wait(ctx context.Context, s *session) error {
	d := e.backoff.NextBackOff()
	if d == backoff.Stop {
		return utils.Fail(utils.KindConnect, errRetriesExhausted, "giving up at offset %d", s.state.NextRangeStart)
	}
	return sleep(ctx, d)
}
