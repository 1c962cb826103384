// Package planner decides how a firmware image is fetched and where its
// chunk boundaries fall.
package planner

import "fmt"

type Strategy int

const (
	WholeFile Strategy = iota
	Chunked
)

func (s Strategy) String() string {
	switch s {
	case WholeFile:
		return "whole-file"
	case Chunked:
		return "chunked"
	default:
		return fmt.Sprintf("Strategy(%d)", int(s))
	}
}

// Chunk is an inclusive byte span of the image.
type Chunk struct {
	First int64
	Last  int64
}

func (c Chunk) Len() int64 {
	return c.Last - c.First + 1
}

// Options tune the planning decision.
type Options struct {
	// SingleShotThreshold selects whole-file transfer for images no larger
	// than this many bytes even when ranges are supported. Zero disables it.
	SingleShotThreshold int64
	// DisableChunked forces whole-file transfer.
	DisableChunked bool
}

// Plan is the transfer strategy for one session.
type Plan struct {
	Strategy      Strategy
	ContentLength int64
	ChunkSize     int64
}

// New chooses the strategy for an image of contentLength bytes.
func New(contentLength, chunkSize int64, rangeSupported bool, opts Options) Plan {
	p := Plan{Strategy: WholeFile, ContentLength: contentLength, ChunkSize: chunkSize}
	switch {
	case !rangeSupported, opts.DisableChunked, chunkSize <= 0:
	case opts.SingleShotThreshold > 0 && contentLength <= opts.SingleShotThreshold:
	default:
		p.Strategy = Chunked
	}
	return p
}

// NumChunks returns ceil(ContentLength / ChunkSize) for chunked plans.
func (p Plan) NumChunks() int {
	if p.Strategy != Chunked || p.ContentLength <= 0 {
		return 0
	}
	return int((p.ContentLength + p.ChunkSize - 1) / p.ChunkSize)
}

// ChunkAt returns the chunk starting at the resume cursor, capped at the chunk
// size and the end of the image. ok is false once the cursor reaches the end.
func (p Plan) ChunkAt(cursor int64) (Chunk, bool) {
	if cursor < 0 || cursor >= p.ContentLength {
		return Chunk{}, false
	}
	last := min(cursor+p.ChunkSize, p.ContentLength) - 1
	return Chunk{First: cursor, Last: last}, true
}

// Chunks lists the full plan from offset zero.
func (p Plan) Chunks() []Chunk {
	chunks := make([]Chunk, 0, p.NumChunks())
	for cursor := int64(0); ; {
		c, ok := p.ChunkAt(cursor)
		if !ok {
			return chunks
		}
		chunks = append(chunks, c)
		cursor = c.Last + 1
	}
}
