package engine

import (
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tanq16/gsmota/internal/linkguard"
	"github.com/tanq16/gsmota/internal/otatest"
	"github.com/tanq16/gsmota/internal/planner"
	"github.com/tanq16/gsmota/internal/transport"
	"github.com/tanq16/gsmota/internal/utils"
	"github.com/tanq16/gsmota/internal/wire"
)

type fakeRebooter struct{ calls int }

func (r *fakeRebooter) RequestReboot() error {
	r.calls++
	return nil
}

type recorder struct {
	mu       sync.Mutex
	progress []int64
	states   []State
}

func (r *recorder) OnProgress(written, total int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, written)
}

func (r *recorder) OnState(state State, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
}

// flakyProbe reports the link down for the first down calls.
type flakyProbe struct {
	mu    sync.Mutex
	down  int
	calls int
}

func (p *flakyProbe) IsUp() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.calls > p.down
}

func testConfig() Config {
	return Config{
		ChunkSize:     utils.DefaultChunkSize,
		Timeout:       2 * time.Second,
		RetryInterval: 5 * time.Millisecond,
	}
}

func newEngine(sink Sink, opts ...Option) *Engine {
	client := transport.NewTCPClient(transport.TCPConfig{DialTimeout: time.Second})
	return New(testConfig(), client, sink, opts...)
}

func spans(reqs []otatest.Request) []wire.Range {
	var out []wire.Range
	for _, r := range reqs {
		if r.Range != nil {
			out = append(out, *r.Range)
		}
	}
	return out
}

func TestRun_ChunkedRoundTrip(t *testing.T) {
	image := otatest.Pattern(40000)
	srv := otatest.NewServer(t, image)
	sink := &otatest.MemorySink{}
	reboot := &fakeRebooter{}
	rec := &recorder{}
	guard := linkguard.New()

	res, err := newEngine(sink, WithRebooter(reboot), WithObserver(rec), WithGuard(guard)).
		Run(context.Background(), srv.Descriptor(otatest.MD5(image)))
	require.NoError(t, err)

	assert.Equal(t, Succeeded, res.State)
	assert.Equal(t, planner.Chunked, res.Strategy)
	assert.Equal(t, []wire.Range{{First: 0, Last: 16379}, {First: 16380, Last: 32759}, {First: 32760, Last: 39999}}, spans(srv.ImageGets()))
	assert.Equal(t, 3, res.Requests)
	assert.Equal(t, int64(40000), res.Transfer.TotalWritten)
	assert.Equal(t, res.Transfer.TotalWritten, res.Transfer.NextRangeStart)
	assert.Equal(t, image, sink.Data())
	assert.Equal(t, otatest.MD5(image), res.Digest)
	assert.True(t, res.Rebooted)
	assert.Equal(t, 1, reboot.calls)
	assert.NotEmpty(t, res.SessionID)
	assert.Equal(t, []int64{16380, 32760, 40000}, rec.progress)
	assert.Equal(t, []State{Probing, ChunkedTransfer, Finalizing, Succeeded}, rec.states)
	assert.True(t, guard.TryAcquire(), "link must be released")
}

func TestRun_WholeFile(t *testing.T) {
	image := otatest.Pattern(5000)
	srv := otatest.NewServer(t, image, otatest.WithoutRanges())
	sink := &otatest.MemorySink{}
	reboot := &fakeRebooter{}

	res, err := newEngine(sink, WithRebooter(reboot)).Run(context.Background(), srv.Descriptor(""))
	require.NoError(t, err)

	gets := srv.ImageGets()
	require.Len(t, gets, 1)
	assert.Nil(t, gets[0].Range)
	assert.Equal(t, planner.WholeFile, res.Strategy)
	assert.Equal(t, image, sink.Data())
	assert.Equal(t, 1, reboot.calls)
}

func TestRun_WholeFileIncompleteDoesNotReboot(t *testing.T) {
	image := otatest.Pattern(5000)
	srv := otatest.NewServer(t, image, otatest.WithoutRanges())
	sink := &otatest.MemorySink{ReportIncomplete: true}
	reboot := &fakeRebooter{}

	res, err := newEngine(sink, WithRebooter(reboot)).Run(context.Background(), srv.Descriptor(""))
	require.Error(t, err)
	assert.ErrorIs(t, err, utils.ErrIncompleteOrCorrupt)
	assert.Equal(t, Failed, res.State)
	assert.Zero(t, reboot.calls)
	assert.Len(t, srv.ImageGets(), 1)
}

func TestRun_SingleShotThreshold(t *testing.T) {
	image := otatest.Pattern(20000)
	srv := otatest.NewServer(t, image)
	sink := &otatest.MemorySink{}
	cfg := testConfig()
	cfg.SingleShotThreshold = 32 * 1024

	e := New(cfg, transport.NewTCPClient(transport.TCPConfig{}), sink)
	res, err := e.Run(context.Background(), srv.Descriptor(""))
	require.NoError(t, err)
	assert.Equal(t, planner.WholeFile, res.Strategy)
	require.Len(t, srv.ImageGets(), 1)
	assert.Equal(t, image, sink.Data())
}

func TestRun_BeginRefusedIssuesNoBodyRequest(t *testing.T) {
	srv := otatest.NewServer(t, otatest.Pattern(40000))
	sink := &otatest.MemorySink{Capacity: 1024}

	res, err := newEngine(sink).Run(context.Background(), srv.Descriptor(""))
	require.Error(t, err)
	assert.ErrorIs(t, err, utils.ErrInsufficientSpace)
	assert.Equal(t, Failed, res.State)
	assert.Empty(t, srv.ImageGets())
	assert.Len(t, srv.Requests(), 1, "only the HEAD probe")
	assert.False(t, sink.Aborted())
}

func TestRun_ResumesAfterMidChunkDisconnect(t *testing.T) {
	image := otatest.Pattern(40000)
	srv := otatest.NewServer(t, image, otatest.WithFault(1, otatest.Fault{Truncate: 5000}))
	sink := &otatest.MemorySink{}

	res, err := newEngine(sink).Run(context.Background(), srv.Descriptor(otatest.MD5(image)))
	require.NoError(t, err)

	got := spans(srv.ImageGets())
	assert.Equal(t, []wire.Range{
		{First: 0, Last: 16379},
		{First: 16380, Last: 32759},
		{First: 21380, Last: 37759},
		{First: 37760, Last: 39999},
	}, got)
	assert.Equal(t, image, sink.Data())
	assert.Equal(t, int64(40000), res.Transfer.TotalWritten)
	assert.GreaterOrEqual(t, res.Connections, 3)
}

func TestRun_ServerClosingEveryChunk(t *testing.T) {
	image := otatest.Pattern(40000)
	srv := otatest.NewServer(t, image, otatest.WithoutKeepAlive())
	sink := &otatest.MemorySink{}

	res, err := newEngine(sink).Run(context.Background(), srv.Descriptor(""))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Requests)
	assert.Equal(t, 4, res.Connections)
	assert.Equal(t, image, sink.Data())
}

func TestRun_HangupIsRetried(t *testing.T) {
	image := otatest.Pattern(40000)
	srv := otatest.NewServer(t, image, otatest.WithFault(0, otatest.Fault{Hangup: true}))
	sink := &otatest.MemorySink{}

	res, err := newEngine(sink).Run(context.Background(), srv.Descriptor(""))
	require.NoError(t, err)
	assert.Equal(t, 4, res.Requests)
	assert.Equal(t, wire.Range{First: 0, Last: 16379}, spans(srv.ImageGets())[1])
	assert.Equal(t, image, sink.Data())
}

func TestRun_ShortWriteAdvancesByAcceptedBytes(t *testing.T) {
	image := otatest.Pattern(40000)
	srv := otatest.NewServer(t, image)
	sink := &otatest.MemorySink{ShortWrites: map[int]int{0: 1000}}
	rec := &recorder{}

	_, err := newEngine(sink, WithObserver(rec)).Run(context.Background(), srv.Descriptor(""))
	require.NoError(t, err)

	got := spans(srv.ImageGets())
	require.NotEmpty(t, got)
	assert.Equal(t, int64(1000), got[1].First)
	for i := 1; i < len(got); i++ {
		assert.LessOrEqual(t, got[i].First, got[i-1].Last+1, "no gap")
	}
	assert.Equal(t, image, sink.Data())
	for i := 1; i < len(rec.progress); i++ {
		assert.GreaterOrEqual(t, rec.progress[i], rec.progress[i-1])
	}
}

func TestRun_WaitsForLink(t *testing.T) {
	image := otatest.Pattern(40000)
	srv := otatest.NewServer(t, image)
	sink := &otatest.MemorySink{}
	probe := &flakyProbe{down: 3}

	res, err := newEngine(sink, WithProbe(probe)).Run(context.Background(), srv.Descriptor(""))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Requests, "link outages do not consume attempts")
	assert.Equal(t, 6, probe.calls)
}

func TestRun_ContextEndsOutage(t *testing.T) {
	srv := otatest.NewServer(t, otatest.Pattern(40000))
	sink := &otatest.MemorySink{}
	probe := &flakyProbe{down: 1 << 30}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	res, err := newEngine(sink, WithProbe(probe)).Run(ctx, srv.Descriptor(""))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, Failed, res.State)
	assert.True(t, sink.Aborted())
	assert.Empty(t, srv.ImageGets())
}

func TestRun_BackOffPolicyCanGiveUp(t *testing.T) {
	srv := otatest.NewServer(t, otatest.Pattern(40000))
	sink := &otatest.MemorySink{}
	probe := &flakyProbe{down: 1 << 30}
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 2)

	_, err := newEngine(sink, WithProbe(probe), WithBackOff(policy)).Run(context.Background(), srv.Descriptor(""))
	require.ErrorIs(t, err, utils.ErrConnect)
	assert.True(t, sink.Aborted())
}

func TestRun_RejectedChunk(t *testing.T) {
	srv := otatest.NewServer(t, otatest.Pattern(40000), otatest.WithFault(1, otatest.Fault{Status: 500}))
	sink := &otatest.MemorySink{}
	reboot := &fakeRebooter{}
	guard := linkguard.New()

	res, err := newEngine(sink, WithRebooter(reboot), WithGuard(guard)).Run(context.Background(), srv.Descriptor(""))
	require.ErrorIs(t, err, utils.ErrServerRejected)
	assert.Equal(t, Failed, res.State)
	assert.Equal(t, int64(16380), res.Transfer.TotalWritten)
	assert.True(t, sink.Aborted())
	assert.Zero(t, reboot.calls)
	assert.True(t, guard.TryAcquire())
}

func TestRun_ProbeFailures(t *testing.T) {
	tests := []struct {
		name  string
		image []byte
		path  string
		opts  []otatest.ServerOption
		want  error
	}{
		{name: "not found", image: otatest.Pattern(1000), path: "/missing.bin", want: utils.ErrServerRejected},
		{
			name:  "wrong content type",
			image: otatest.Pattern(1000),
			opts:  []otatest.ServerOption{otatest.WithContentType("text/html")},
			want:  utils.ErrEmptyOrInvalidResponse,
		},
		{name: "empty image", image: nil, want: utils.ErrEmptyOrInvalidResponse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := otatest.NewServer(t, tt.image, tt.opts...)
			desc := srv.Descriptor("")
			if tt.path != "" {
				desc.Path = tt.path
			}
			sink := &otatest.MemorySink{}
			_, err := newEngine(sink).Run(context.Background(), desc)
			require.ErrorIs(t, err, tt.want)
			assert.Zero(t, sink.BeginCalls())
		})
	}
}

func TestRun_ConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	sink := &otatest.MemorySink{}
	guard := linkguard.New()

	res, err := newEngine(sink, WithGuard(guard)).Run(context.Background(), utils.UpdateDescriptor{Host: "127.0.0.1", Port: port, Path: "/fw.bin"})
	require.ErrorIs(t, err, utils.ErrConnect)
	assert.Equal(t, Failed, res.State)
	assert.Zero(t, sink.BeginCalls())
	assert.True(t, guard.TryAcquire())
}

func TestRun_DigestMismatch(t *testing.T) {
	image := otatest.Pattern(40000)
	srv := otatest.NewServer(t, image)
	sink := &otatest.MemorySink{}
	reboot := &fakeRebooter{}

	_, err := newEngine(sink, WithRebooter(reboot)).Run(context.Background(), srv.Descriptor(otatest.MD5([]byte("other"))))
	require.ErrorIs(t, err, utils.ErrIncompleteOrCorrupt)
	assert.True(t, sink.Finalized())
	assert.Zero(t, reboot.calls)
}

func TestRun_SinkWriteFailure(t *testing.T) {
	srv := otatest.NewServer(t, otatest.Pattern(40000))
	sink := &otatest.MemorySink{FailWrite: otatest.ErrRefused}

	_, err := newEngine(sink).Run(context.Background(), srv.Descriptor(""))
	require.ErrorIs(t, err, utils.ErrIncompleteOrCorrupt)
	assert.ErrorIs(t, err, otatest.ErrRefused)
	assert.Len(t, srv.ImageGets(), 1)
}

func TestRun_WaitsForGuard(t *testing.T) {
	image := otatest.Pattern(1000)
	srv := otatest.NewServer(t, image)
	guard := linkguard.New()
	require.True(t, guard.TryAcquire())

	done := make(chan error, 1)
	go func() {
		_, err := newEngine(&otatest.MemorySink{}, WithGuard(guard)).Run(context.Background(), srv.Descriptor(""))
		done <- err
	}()
	select {
	case <-done:
		t.Fatal("session ran while the link was held")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Empty(t, srv.Requests())
	guard.Release()
	require.NoError(t, <-done)
}

func TestObservers(t *testing.T) {
	var got []int64
	a := &recorder{}
	obs := Observers{a, ProgressFunc(func(w, _ int64) { got = append(got, w) })}
	obs.OnState(Probing, nil)
	obs.OnProgress(10, 20)
	assert.Equal(t, []int64{10}, got)
	assert.Equal(t, []State{Probing}, a.states)
	assert.Equal(t, "ChunkedTransfer", ChunkedTransfer.String())
}

func TestConfigFrom(t *testing.T) {
	dc := utils.DefaultConfig().Download
	cfg := ConfigFrom(dc)
	assert.Equal(t, int64(utils.DefaultChunkSize), cfg.ChunkSize)
	assert.False(t, cfg.DisableChunked)
	dc.Chunked = false
	assert.True(t, ConfigFrom(dc).DisableChunked)
}

func TestRun_LogsCarrySession(t *testing.T) {
	var buf bytes.Buffer
	utils.SetLogOutput(&buf)
	defer utils.SetLogOutput(io.Discard)

	srv := otatest.NewServer(t, otatest.Pattern(2000))
	res, err := newEngine(&otatest.MemorySink{}).Run(context.Background(), srv.Descriptor(""))
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "session="+res.SessionID)
	assert.Contains(t, buf.String(), "component=engine")
}

func quickTimeoutEngine(sink Sink, opts ...Option) *Engine {
	cfg := testConfig()
	cfg.Timeout = 200 * time.Millisecond
	client := transport.NewTCPClient(transport.TCPConfig{DialTimeout: time.Second})
	return New(cfg, client, sink, opts...)
}

func TestRun_HeadRequestTimeout(t *testing.T) {
	host, port := otatest.SilentListener(t)
	sink := &otatest.MemorySink{}
	guard := linkguard.New()

	res, err := quickTimeoutEngine(sink, WithGuard(guard)).
		Run(context.Background(), utils.UpdateDescriptor{Host: host, Port: port, Path: otatest.ImagePath})
	require.ErrorIs(t, err, utils.ErrConnect)
	assert.ErrorIs(t, err, utils.ErrTimeout)
	assert.Equal(t, Failed, res.State)
	assert.Zero(t, sink.BeginCalls())
	assert.True(t, guard.TryAcquire())
}

func TestRun_ChunkStallIsRetried(t *testing.T) {
	image := otatest.Pattern(40000)
	srv := otatest.NewServer(t, image, otatest.WithFault(0, otatest.Fault{Truncate: 3000, Stall: true}))
	sink := &otatest.MemorySink{}

	res, err := quickTimeoutEngine(sink).Run(context.Background(), srv.Descriptor(otatest.MD5(image)))
	require.NoError(t, err)

	got := spans(srv.ImageGets())
	require.GreaterOrEqual(t, len(got), 2)
	assert.Equal(t, wire.Range{First: 0, Last: 16379}, got[0])
	assert.Equal(t, int64(3000), got[1].First)
	assert.Equal(t, image, sink.Data())
	assert.Equal(t, int64(40000), res.Transfer.TotalWritten)
}

func TestRun_WholeFileStallCarriesTimeout(t *testing.T) {
	srv := otatest.NewServer(t, otatest.Pattern(5000), otatest.WithoutRanges(),
		otatest.WithFault(0, otatest.Fault{Truncate: 2000, Stall: true}))
	sink := &otatest.MemorySink{}
	reboot := &fakeRebooter{}

	res, err := quickTimeoutEngine(sink, WithRebooter(reboot)).Run(context.Background(), srv.Descriptor(""))
	require.ErrorIs(t, err, utils.ErrIncompleteOrCorrupt)
	assert.ErrorIs(t, err, utils.ErrTimeout)
	assert.Equal(t, Failed, res.State)
	assert.Equal(t, int64(2000), res.Transfer.TotalWritten)
	assert.True(t, sink.Aborted())
	assert.Zero(t, reboot.calls)
}

func TestRun_CappedRangesKeepConnection(t *testing.T) {
	image := otatest.Pattern(40000)
	srv := otatest.NewServer(t, image, otatest.WithRangeCap(10000))
	sink := &otatest.MemorySink{}

	res, err := newEngine(sink).Run(context.Background(), srv.Descriptor(otatest.MD5(image)))
	require.NoError(t, err)

	assert.Equal(t, []wire.Range{
		{First: 0, Last: 16379},
		{First: 10000, Last: 26379},
		{First: 20000, Last: 36379},
		{First: 30000, Last: 39999},
	}, spans(srv.ImageGets()))
	assert.Equal(t, 2, res.Connections, "probe plus one reused chunk connection")
	assert.Equal(t, image, sink.Data())
}

func TestRun_ChunkWithWrongContentType(t *testing.T) {
	srv := otatest.NewServer(t, otatest.Pattern(40000), otatest.WithFault(1, otatest.Fault{ContentType: "text/html"}))
	sink := &otatest.MemorySink{}
	reboot := &fakeRebooter{}

	res, err := newEngine(sink, WithRebooter(reboot)).Run(context.Background(), srv.Descriptor(""))
	require.ErrorIs(t, err, utils.ErrServerRejected)
	assert.Equal(t, Failed, res.State)
	assert.Equal(t, int64(16380), res.Transfer.TotalWritten)
	assert.True(t, sink.Aborted())
	assert.Zero(t, reboot.calls)
}
