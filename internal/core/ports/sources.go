package ports

import (
	"io"

	"streamsight/internal/core/domain"
)

// PacketSource yields decoded packets one at a time and returns io.EOF once
// exhausted. Name identifies the source in reports and logs.
type PacketSource interface {
	Next() (domain.DecodedPacket, error)
	Name() string
}

// SourceOpener builds a packet source over an uploaded body. contentType
// selects the decoder.
type SourceOpener func(body io.Reader, contentType, name string) (PacketSource, error)
