// Package wire speaks the small subset of HTTP/1.1 the updater needs over a
// line-oriented transport.
package wire

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tanq16/gsmota/internal/utils"
)

// LineReader yields one response line at a time, without the trailing LF.
type LineReader interface {
	ReadLine() (string, error)
}

// Expect describes what an exchange considers acceptable.
type Expect struct {
	Status      int
	ContentType string
}

// Response holds the recognized headers of one exchange.
type Response struct {
	StatusCode       int
	Accepted         bool // status line seen and equal to Expect.Status
	ContentLength    int64
	ContentType      string
	ValidContentType bool
	AcceptRanges     bool
	KeepAlive        bool
	ContentRange     string
}

// ReadHeaders consumes lines until the empty line ending the header block.
// Lines before the status line are skipped. If the status code differs from
// exp.Status parsing stops immediately with Accepted false; the caller owns
// the decision. Read errors are returned as is.
func ReadHeaders(r LineReader, exp Expect) (Response, error) {
	var resp Response
	gotStatus := false
	for {
		line, err := r.ReadLine()
		if err != nil {
			return resp, err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			return resp, nil
		}
		if !gotStatus {
			if !strings.HasPrefix(line, "HTTP/") {
				continue
			}
			code, http10, err := parseStatusLine(line)
			if err != nil {
				return resp, err
			}
			gotStatus = true
			resp.StatusCode = code
			resp.KeepAlive = !http10
			if code != exp.Status {
				return resp, nil
			}
			resp.Accepted = true
			continue
		}
		name, value, ok := splitHeader(line)
		if !ok {
			continue
		}
		switch {
		case strings.EqualFold(name, "Content-Length"):
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil || n < 0 {
				return resp, utils.Fail(utils.KindParse, err, "bad Content-Length %q", value)
			}
			resp.ContentLength = n
		case strings.EqualFold(name, "Content-Type"):
			resp.ContentType = value
			resp.ValidContentType = exp.ContentType != "" && value == exp.ContentType
		case strings.EqualFold(name, "Accept-Ranges"):
			resp.AcceptRanges = value == "bytes"
		case strings.EqualFold(name, "Connection"):
			resp.KeepAlive = strings.EqualFold(value, "keep-alive")
		case strings.EqualFold(name, "Content-Range"):
			resp.ContentRange = value
		}
	}
}

// parseStatusLine reads "HTTP/1.x NNN reason".
func parseStatusLine(line string) (int, bool, error) {
	proto, rest, _ := strings.Cut(line, " ")
	if proto != "HTTP/1.1" && proto != "HTTP/1.0" {
		return 0, false, utils.Fail(utils.KindParse, nil, "unsupported protocol in status line %q", line)
	}
	codeStr, _, _ := strings.Cut(strings.TrimLeft(rest, " "), " ")
	if len(codeStr) != 3 {
		return 0, false, utils.Fail(utils.KindParse, nil, "malformed status line %q", line)
	}
	code, err := strconv.Atoi(codeStr)
	if err != nil {
		return 0, false, utils.Fail(utils.KindParse, err, "malformed status code %q", codeStr)
	}
	return code, proto == "HTTP/1.0", nil
}

// splitHeader splits at the first colon and trims the value.
func splitHeader(line string) (string, string, bool) {
	name, value, ok := strings.Cut(line, ":")
	if !ok {
		return "", "", false
	}
	return strings.TrimSpace(name), strings.TrimSpace(value), true
}

func (r Response) String() string {
	return fmt.Sprintf("status=%d length=%d type=%q ranges=%t keepalive=%t",
		r.StatusCode, r.ContentLength, r.ContentType, r.AcceptRanges, r.KeepAlive)
}
