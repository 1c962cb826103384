// Package manifest asks the update server whether a newer image exists.
package manifest

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tanq16/gsmota/internal/linkguard"
	"github.com/tanq16/gsmota/internal/transport"
	"github.com/tanq16/gsmota/internal/utils"
	"github.com/tanq16/gsmota/internal/wire"
)

type Config struct {
	Host string
	Port int
	Path string
	// DeviceID is appended as ?id=<DeviceID> when set.
	DeviceID string
	Running  utils.FirmwareIdentity
	Timeout  time.Duration
}

// ConfigFrom resolves the manifest settings, deriving the device id from
// the host's hardware address when device-scoped manifests are on and no id
// is configured.
func ConfigFrom(c utils.Config) (Config, error) {
	cfg := Config{
		Host:    c.Manifest.Host,
		Port:    c.Manifest.Port,
		Path:    c.Manifest.Path,
		Running: utils.FirmwareIdentity{Type: c.Firmware.Type, Version: c.Firmware.Version},
		Timeout: c.Download.Timeout,
	}
	if c.Manifest.UseDeviceID {
		cfg.DeviceID = c.Manifest.DeviceID
		if cfg.DeviceID == "" {
			id, err := utils.DeviceID()
			if err != nil {
				return cfg, err
			}
			cfg.DeviceID = id
		}
	}
	return cfg, nil
}

// payload is the manifest document.
type payload struct {
	Type     string `json:"type"`
	Version  int    `json:"version"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Bin      string `json:"bin"`
	Checksum string `json:"checksum"`
}

type Checker struct {
	config Config
	client transport.Client
	guard  *linkguard.Guard
	buf    [utils.MaxManifestSize]byte
}

func New(cfg Config, client transport.Client, guard *linkguard.Guard) *Checker {
	if cfg.Port == 0 {
		cfg.Port = utils.DefaultManifestPort
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = utils.DefaultClientTimeout
	}
	return &Checker{config: cfg, client: client, guard: guard}
}

// Check fetches the manifest once. available is false when the candidate is
// not newer than the running firmware, unless force is set. Failures are not
// retried here.
func (c *Checker) Check(ctx context.Context, force bool) (utils.UpdateDescriptor, bool, error) {
	desc, err := c.fetch(ctx)
	if err != nil {
		log.Error().Str("op", "manifest").Err(err).Msg("Manifest check failed")
		return desc, false, err
	}
	if !force && !desc.Identity.NewerThan(c.config.Running) {
		log.Info().Str("op", "manifest").Msgf("No update: running %s, offered %s", c.config.Running, desc.Identity)
		return desc, false, nil
	}
	log.Info().Str("op", "manifest").Msgf("Update available: %s at %s%s", desc.Identity, desc.Address(), desc.Path)
	return desc, true, nil
}

func (c *Checker) fetch(ctx context.Context) (utils.UpdateDescriptor, error) {
	if err := c.guard.Acquire(ctx); err != nil {
		return utils.UpdateDescriptor{}, err
	}
	defer c.guard.Release()

	path := c.config.Path
	if c.config.DeviceID != "" {
		path = utils.WithQuery(path, "id", c.config.DeviceID)
	}
	c.client.SetTimeout(c.config.Timeout)
	if err := c.client.Connect(ctx, c.config.Host, c.config.Port); err != nil {
		return utils.UpdateDescriptor{}, utils.Fail(utils.KindConnect, err, "manifest connect")
	}
	defer c.client.Close()

	req := wire.Request{Method: http.MethodGet, Path: path, Host: c.config.Host, Port: c.config.Port}
	if _, err := c.client.Write(req.Bytes()); err != nil {
		return utils.UpdateDescriptor{}, utils.Fail(utils.KindConnect, err, "sending manifest request")
	}
	if err := c.client.WaitForData(c.config.Timeout); err != nil {
		return utils.UpdateDescriptor{}, linkError(err, "no manifest response within %s", c.config.Timeout)
	}
	resp, err := wire.ReadHeaders(c.client, wire.Expect{Status: http.StatusOK, ContentType: utils.ContentTypeManifest})
	if err != nil {
		if utils.KindOf(err) != utils.KindUnknown {
			return utils.UpdateDescriptor{}, err
		}
		return utils.UpdateDescriptor{}, linkError(err, "reading manifest headers")
	}
	log.Debug().Str("op", "manifest").Msgf("Response %s", resp)
	switch {
	case !resp.Accepted:
		return utils.UpdateDescriptor{}, utils.Fail(utils.KindServerRejected, nil, "manifest status %d", resp.StatusCode)
	case !resp.ValidContentType:
		return utils.UpdateDescriptor{}, utils.Fail(utils.KindServerRejected, nil, "manifest content type %q", resp.ContentType)
	case resp.ContentLength == 0:
		return utils.UpdateDescriptor{}, utils.Fail(utils.KindEmptyOrInvalidResponse, nil, "empty manifest")
	case resp.ContentLength > int64(len(c.buf)):
		return utils.UpdateDescriptor{}, utils.Fail(utils.KindEmptyOrInvalidResponse, nil, "manifest of %d bytes exceeds %d", resp.ContentLength, len(c.buf))
	}

	body := c.buf[:resp.ContentLength]
	n, err := c.client.ReadBytes(body)
	if err != nil {
		return utils.UpdateDescriptor{}, linkError(err, "manifest body: got %d of %d bytes", n, len(body))
	}
	return parse(body)
}

func parse(body []byte) (utils.UpdateDescriptor, error) {
	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		return utils.UpdateDescriptor{}, utils.Fail(utils.KindParse, err, "manifest json")
	}
	if p.Type == "" || p.Host == "" || p.Bin == "" {
		return utils.UpdateDescriptor{}, utils.Fail(utils.KindParse, nil, "manifest missing type, host or bin")
	}
	if p.Port == 0 {
		p.Port = utils.DefaultManifestPort
	}
	return utils.UpdateDescriptor{
		Identity: utils.FirmwareIdentity{Type: p.Type, Version: p.Version},
		Host:     p.Host,
		Port:     p.Port,
		Path:     p.Bin,
		Checksum: p.Checksum,
	}, nil
}

func linkError(err error, format string, args ...any) error {
	if transport.IsTimeout(err) {
		return utils.Fail(utils.KindTimeout, err, format, args...)
	}
	return utils.Fail(utils.KindConnect, err, format, args...)
}
