// Package report publishes update session status to a fleet broker.
package report

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tanq16/gsmota/internal/engine"
)

type Publisher interface {
	Publish(topic string, payload []byte) error
}

// Status is the message published for every report.
type Status struct {
	Device  string `json:"device"`
	State   string `json:"state"`
	Written int64  `json:"written"`
	Total   int64  `json:"total"`
	Error   string `json:"error,omitempty"`
	Time    int64  `json:"time"`
}

// Reporter is an engine.Observer. Progress is published at most once per
// Interval, state changes always. Publish failures never affect the session.
type Reporter struct {
	Interval time.Duration

	pub    Publisher
	topic  string
	device string

	mu      sync.Mutex
	state   engine.State
	written int64
	total   int64
	last    time.Time
	now     func() time.Time
}

func New(pub Publisher, topic, device string) *Reporter {
	return &Reporter{
		Interval: 10 * time.Second,
		pub:      pub,
		topic:    topic + "/" + device + "/status",
		device:   device,
		now:      time.Now,
	}
}

func (r *Reporter) Topic() string {
	return r.topic
}

func (r *Reporter) OnProgress(written, total int64) {
	r.mu.Lock()
	r.written, r.total = written, total
	now := r.now()
	if written < total && now.Sub(r.last) < r.Interval {
		r.mu.Unlock()
		return
	}
	r.last = now
	st := r.statusLocked(nil)
	r.mu.Unlock()
	r.publish(st)
}

func (r *Reporter) OnState(state engine.State, err error) {
	r.mu.Lock()
	r.state = state
	if state == engine.Probing {
		r.written, r.total = 0, 0
	}
	r.last = r.now()
	st := r.statusLocked(err)
	r.mu.Unlock()
	r.publish(st)
}

func (r *Reporter) statusLocked(err error) Status {
	st := Status{
		Device:  r.device,
		State:   r.state.String(),
		Written: r.written,
		Total:   r.total,
		Time:    r.now().Unix(),
	}
	if err != nil {
		st.Error = err.Error()
	}
	return st
}

func (r *Reporter) publish(st Status) {
	payload, err := json.Marshal(st)
	if err != nil {
		log.Error().Str("op", "report").Err(err).Msg("Failed to encode status")
		return
	}
	if err := r.pub.Publish(r.topic, payload); err != nil {
		log.Warn().Str("op", "report").Err(err).Msgf("Failed to publish status to %s", r.topic)
	}
}
