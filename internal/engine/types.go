package engine

import (
	"fmt"
	"time"

	"github.com/tanq16/gsmota/internal/planner"
	"github.com/tanq16/gsmota/internal/utils"
)

// Sink accepts firmware bytes strictly in offset order and owns durability
// and verification.
type Sink interface {
	// Begin reserves room for expectedSize bytes. An error ends the session
	// before any body request is made.
	Begin(expectedSize int64) error
	SetExpectedDigest(hexDigest string) error
	// Write returns how many bytes were accepted; fewer than len(p) with a nil
	// error is a short write.
	Write(p []byte) (int, error)
	Finalize() error
	IsComplete() bool
	Digest() string
	// Abort discards a staged image after a failed session.
	Abort() error
}

// Probe reports whether the data link is usable. It is consulted between
// chunks only.
type Probe interface {
	IsUp() bool
}

type Rebooter interface {
	RequestReboot() error
}

type State int

const (
	Probing State = iota
	WholeFileTransfer
	ChunkedTransfer
	Finalizing
	Succeeded
	Failed
)

func (s State) String() string {
	switch s {
	case Probing:
		return "Probing"
	case WholeFileTransfer:
		return "WholeFileTransfer"
	case ChunkedTransfer:
		return "ChunkedTransfer"
	case Finalizing:
		return "Finalizing"
	case Succeeded:
		return "Succeeded"
	case Failed:
		return "Failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Observer is told about progress at chunk boundaries and about state
// transitions. err is only set for Failed.
type Observer interface {
	OnProgress(written, total int64)
	OnState(state State, err error)
}

// ProgressFunc adapts a plain progress callback to Observer.
type ProgressFunc func(written, total int64)

func (f ProgressFunc) OnProgress(written, total int64) { f(written, total) }
func (f ProgressFunc) OnState(State, error)            {}

// Observers fans out to every member.
type Observers []Observer

func (o Observers) OnProgress(written, total int64) {
	for _, ob := range o {
		ob.OnProgress(written, total)
	}
}

func (o Observers) OnState(state State, err error) {
	for _, ob := range o {
		ob.OnState(state, err)
	}
}

type Config struct {
	ChunkSize      int64
	Timeout        time.Duration // first-byte and read window
	RetryInterval  time.Duration
	ChunkYield     time.Duration
	ReconnectPause time.Duration

	SingleShotThreshold int64
	DisableChunked      bool
}

// DefaultConfig mirrors the utils defaults.
func DefaultConfig() Config {
	return Config{
		ChunkSize:      utils.DefaultChunkSize,
		Timeout:        utils.DefaultClientTimeout,
		RetryInterval:  utils.DefaultRetryInterval,
		ChunkYield:     utils.DefaultChunkYield,
		ReconnectPause: utils.DefaultReconnectPause,
	}
}

// ConfigFrom maps the download section of the file config.
func ConfigFrom(dc utils.DownloadConfig) Config {
	return Config{
		ChunkSize:           dc.ChunkSize,
		Timeout:             dc.Timeout,
		RetryInterval:       dc.RetryInterval,
		ChunkYield:          dc.ChunkYield,
		ReconnectPause:      dc.ReconnectPause,
		SingleShotThreshold: dc.SingleShotThreshold,
		DisableChunked:      !dc.Chunked,
	}
}

// Result summarizes one session.
type Result struct {
	SessionID   string
	State       State
	Strategy    planner.Strategy
	Transfer    utils.TransferState
	Requests    int // firmware body requests
	Connections int
	Digest      string
	Rebooted    bool
}
