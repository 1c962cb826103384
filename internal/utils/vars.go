package utils

import "time"

const DefaultChunkSize = 16380 // fits the modem's receive window with headroom
const DefaultClientTimeout = 120 * time.Second
const DefaultRetryInterval = 5 * time.Second
const DefaultChunkYield = 250 * time.Millisecond
const DefaultReconnectPause = 1 * time.Second
const DefaultManifestPort = 80

// MaxManifestSize bounds the manifest body buffer.
const MaxManifestSize = 256

const (
	ContentTypeFirmware = "application/octet-stream"
	ContentTypeManifest = "application/json"
)
