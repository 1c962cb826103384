package sink

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"strings"

	"github.com/tanq16/gsmota/internal/utils"
)

// digester hashes everything written in a session. MD5 is always computed;
// SHA-256 only when the expected digest is a SHA-256 one.
type digester struct {
	md5      hash.Hash
	sha256   hash.Hash
	expected string
}

func newDigester() *digester {
	return &digester{md5: md5.New()}
}

// expect registers the digest to verify at finalize. The algorithm follows
// from the length: 32 hex chars for MD5, 64 for SHA-256.
func (d *digester) expect(hexDigest string) error {
	hexDigest = strings.ToLower(strings.TrimSpace(hexDigest))
	if hexDigest == "" {
		d.expected = ""
		d.sha256 = nil
		return nil
	}
	if _, err := hex.DecodeString(hexDigest); err != nil {
		return utils.Fail(utils.KindParse, err, "checksum is not hex")
	}
	switch len(hexDigest) {
	case md5.Size * 2:
		d.sha256 = nil
	case sha256.Size * 2:
		d.sha256 = sha256.New()
	default:
		return utils.Fail(utils.KindParse, nil, "unsupported checksum length %d", len(hexDigest))
	}
	d.expected = hexDigest
	return nil
}

func (d *digester) write(p []byte) {
	d.md5.Write(p)
	if d.sha256 != nil {
		d.sha256.Write(p)
	}
}

func (d *digester) sum() string {
	if d.sha256 != nil {
		return hex.EncodeToString(d.sha256.Sum(nil))
	}
	return hex.EncodeToString(d.md5.Sum(nil))
}

func (d *digester) verify() error {
	if d.expected == "" {
		return nil
	}
	if got := d.sum(); got != d.expected {
		return utils.Fail(utils.KindIncompleteOrCorrupt, nil, "digest mismatch: expected %s, got %s", d.expected, got)
	}
	return nil
}
