package utils

import "fmt"

// FirmwareIdentity names a firmware build. Only identities with the same Type
// are comparable.
type FirmwareIdentity struct {
	Type    string
	Version int
}

// NewerThan reports whether id is an eligible update over running.
func (id FirmwareIdentity) NewerThan(running FirmwareIdentity) bool {
	return id.Type == running.Type && id.Version > running.Version
}

func (id FirmwareIdentity) String() string {
	return fmt.Sprintf("%s@%d", id.Type, id.Version)
}

// UpdateDescriptor locates a candidate firmware image.
type UpdateDescriptor struct {
	Identity FirmwareIdentity
	Host     string
	Port     int
	Path     string
	Checksum string // optional hex digest
}

func (d UpdateDescriptor) Address() string {
	return fmt.Sprintf("%s:%d", d.Host, d.Port)
}

// TransferState is the mutable progress record of one download session.
// TotalWritten equals NextRangeStart whenever no chunk is outstanding.
type TransferState struct {
	ContentLength  int64
	ContentType    string
	SupportsRanges bool
	TotalWritten   int64
	NextRangeStart int64
}

// Remaining returns the number of bytes not yet acknowledged by the sink.
func (s *TransferState) Remaining() int64 {
	return s.ContentLength - s.NextRangeStart
}

// Advance moves the resume cursor by the bytes the sink acknowledged.
func (s *TransferState) Advance(n int64) {
	if n <= 0 {
		return
	}
	s.TotalWritten += n
	s.NextRangeStart += n
}
