package output

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tanq16/gsmota/internal/engine"
)

func TestProgress_PlainOutput(t *testing.T) {
	var buf bytes.Buffer
	p := NewProgressWriter(&buf, false)

	p.OnState(engine.Probing, nil)
	p.OnState(engine.ChunkedTransfer, nil)
	p.OnProgress(16380, 40000)
	p.OnProgress(32760, 40000)
	p.OnProgress(40000, 40000)
	p.OnState(engine.Finalizing, nil)
	p.OnState(engine.Succeeded, nil)

	out := buf.String()
	assert.Contains(t, out, "Probing firmware image")
	assert.Contains(t, out, "ChunkedTransfer")
	assert.Contains(t, out, "40% (16.00 KB of 39.06 KB)")
	assert.Contains(t, out, "100%")
	assert.Contains(t, out, "Installed 39.06 KB")
	assert.Equal(t, 3, strings.Count(out, "%"))
}

func TestProgress_Failure(t *testing.T) {
	var buf bytes.Buffer
	p := NewProgressWriter(&buf, true)
	p.OnProgress(100, 1000)
	p.OnState(engine.Failed, errors.New("ServerRejected: status 500"))
	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "\r"))
	assert.Contains(t, out, "Update failed: ServerRejected: status 500")
}

func TestPrintProgressBar(t *testing.T) {
	bar := PrintProgressBar(5, 10, 10)
	assert.Contains(t, bar, strings.Repeat("━", 5))
	assert.Contains(t, bar, "50.0%")
	assert.Contains(t, PrintProgressBar(20, 10, 10), "100.0%")
}

func TestFormatSpeed(t *testing.T) {
	assert.Equal(t, "0 B/s", FormatSpeed(100, 0))
	assert.Equal(t, "2.00 KB/s", FormatSpeed(4096, 2))
}
