package capture

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"unicode"

	"streamsight/internal/core/domain"
)

// JSONSource streams DecodedPackets from either a JSON array or JSON lines.
type JSONSource struct {
	name  string
	r     *bufio.Reader
	dec   *json.Decoder
	array bool
	index int
}

func NewJSONSource(r io.Reader, name string) *JSONSource {
	return &JSONSource{name: name, r: bufio.NewReader(r)}
}

func (s *JSONSource) Name() string { return s.name }

func (s *JSONSource) Next() (domain.DecodedPacket, error) {
	if s.dec == nil {
		if err := s.open(); err != nil {
			return domain.DecodedPacket{}, err
		}
	}

	if s.array && !s.dec.More() {
		if _, err := s.dec.Token(); err != nil {
			return domain.DecodedPacket{}, fmt.Errorf("%w: %s: %w", domain.ErrMalformedInput, s.name, err)
		}
		return domain.DecodedPacket{}, io.EOF
	}

	var p domain.DecodedPacket
	if err := s.dec.Decode(&p); err != nil {
		if errors.Is(err, io.EOF) && !s.array {
			return domain.DecodedPacket{}, io.EOF
		}
		return domain.DecodedPacket{}, fmt.Errorf("%w: %s: packet %d: %w", domain.ErrMalformedInput, s.name, s.index, err)
	}
	s.index++
	return p, nil
}

// open looks at the first significant byte: '[' starts an array document,
// anything else is read as JSON lines.
func (s *JSONSource) open() error {
	for {
		b, err := s.r.Peek(1)
		if errors.Is(err, io.EOF) {
			s.dec = json.NewDecoder(s.r)
			return nil
		}
		if err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
		if !unicode.IsSpace(rune(b[0])) {
			s.array = b[0] == '['
			break
		}
		_, _ = s.r.ReadByte()
	}

	s.dec = json.NewDecoder(s.r)
	if s.array {
		if _, err := s.dec.Token(); err != nil {
			return fmt.Errorf("%w: %s: %w", domain.ErrMalformedInput, s.name, err)
		}
	}
	return nil
}

// SliceSource replays packets already held in memory.
type SliceSource struct {
	name    string
	packets []domain.DecodedPacket
	pos     int
}

func NewSliceSource(name string, packets []domain.DecodedPacket) *SliceSource {
	return &SliceSource{name: name, packets: packets}
}

func (s *SliceSource) Name() string { return s.name }

func (s *SliceSource) Next() (domain.DecodedPacket, error) {
	if s.pos >= len(s.packets) {
		return domain.DecodedPacket{}, io.EOF
	}
	p := s.packets[s.pos]
	s.pos++
	return p, nil
}
