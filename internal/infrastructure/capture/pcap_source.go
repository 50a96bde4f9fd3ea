package capture

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"streamsight/internal/core/domain"
	"streamsight/pkg/config"
)

// pcapngMagic is the block type of a pcapng Section Header Block.
const pcapngMagic = 0x0A0D0D0A

type linkSource interface {
	gopacket.PacketDataSource
	LinkType() layers.LinkType
}

// PcapSource reads a pcap or pcapng capture and yields TCP, UDP and MQTT
// packets in file order. Other traffic is passed over silently.
type PcapSource struct {
	name    string
	packets *gopacket.PacketSource
	decoder *Decoder
	closer  io.Closer
}

// OpenPcap opens a capture file. The caller must Close the source.
func OpenPcap(path string, cfg config.AnalysisConfig) (*PcapSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture: %w", err)
	}
	src, err := NewPcapSource(f, path, cfg)
	if err != nil {
		f.Close()
		return nil, err
	}
	src.closer = f
	return src, nil
}

// NewPcapSource reads a capture from r, detecting pcapng by its magic number.
func NewPcapSource(r io.Reader, name string, cfg config.AnalysisConfig) (*PcapSource, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(4)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", domain.ErrUnsupportedSource, name, err)
	}

	var reader linkSource
	if binary.LittleEndian.Uint32(magic) == pcapngMagic {
		reader, err = pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
	} else {
		reader, err = pcapgo.NewReader(br)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", domain.ErrUnsupportedSource, name, err)
	}

	ps := gopacket.NewPacketSource(reader, reader.LinkType())
	ps.Lazy = true
	ps.NoCopy = true
	return &PcapSource{
		name:    name,
		packets: ps,
		decoder: NewDecoder(cfg),
	}, nil
}

func (s *PcapSource) Name() string { return s.name }

// Next returns the next transport packet, or io.EOF at the end of the file.
func (s *PcapSource) Next() (domain.DecodedPacket, error) {
	for {
		packet, err := s.packets.NextPacket()
		if err == io.EOF {
			return domain.DecodedPacket{}, io.EOF
		}
		if err != nil {
			return domain.DecodedPacket{}, fmt.Errorf("%w: %s: %w", domain.ErrMalformedInput, s.name, err)
		}
		if p, ok := s.decoder.Decode(packet); ok {
			return p, nil
		}
	}
}

func (s *PcapSource) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}
