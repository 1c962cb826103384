package output

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/tanq16/gsmota/internal/engine"
	"github.com/tanq16/gsmota/internal/utils"
)

// Progress renders an update session on the console. On a terminal the bar
// is redrawn in place; otherwise a line is written per tenth of the image.
type Progress struct {
	w        io.Writer
	live     bool
	barWidth int

	mu      sync.Mutex
	start   time.Time
	decile  int64
	drawn   bool
	written int64
}

// NewProgress writes to stdout, drawing a live bar when stdout is a terminal.
func NewProgress() *Progress {
	p := NewProgressWriter(os.Stdout, IsTerminal(os.Stdout))
	if p.live {
		p.barWidth = max(10, min(40, terminalWidth(os.Stdout)-50))
	}
	return p
}

func NewProgressWriter(w io.Writer, live bool) *Progress {
	return &Progress{w: w, live: live, barWidth: 30, start: time.Now()}
}

func (p *Progress) OnProgress(written, total int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.written = written
	elapsed := time.Since(p.start).Seconds()
	if p.live {
		fmt.Fprintf(p.w, "\r%s%s / %s %s", PrintProgressBar(written, total, p.barWidth),
			utils.FormatBytes(uint64(written)), utils.FormatBytes(uint64(total)), FormatSpeed(written, elapsed))
		p.drawn = true
		return
	}
	if total <= 0 {
		return
	}
	if d := written * 10 / total; d > p.decile {
		p.decile = d
		fmt.Fprintf(p.w, "%s %d%% (%s of %s)\n", StyleSymbols["bullet"], d*10,
			utils.FormatBytes(uint64(written)), utils.FormatBytes(uint64(total)))
	}
}

func (p *Progress) OnState(state engine.State, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.drawn {
		fmt.Fprintln(p.w)
		p.drawn = false
	}
	switch state {
	case engine.Probing:
		p.start = time.Now()
		p.decile = 0
		fmt.Fprintln(p.w, FPending(StyleSymbols["pending"]+" Probing firmware image"))
	case engine.WholeFileTransfer, engine.ChunkedTransfer:
		fmt.Fprintln(p.w, FInfo(fmt.Sprintf("%s %s", StyleSymbols["arrow"], state)))
	case engine.Finalizing:
		fmt.Fprintln(p.w, FInfo(StyleSymbols["arrow"]+" Verifying image"))
	case engine.Succeeded:
		elapsed := time.Since(p.start).Seconds()
		fmt.Fprintln(p.w, FSuccess(fmt.Sprintf("%s Installed %s at %s", StyleSymbols["pass"],
			utils.FormatBytes(uint64(p.written)), FormatSpeed(p.written, elapsed))))
	case engine.Failed:
		fmt.Fprintln(p.w, FError(fmt.Sprintf("%s Update failed: %v", StyleSymbols["fail"], err)))
	}
}
