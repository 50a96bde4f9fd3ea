package capture

import (
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"streamsight/internal/core/domain"
	"streamsight/internal/core/ports"
	"streamsight/pkg/config"
)

// Source is a packet source that holds an open file.
type Source interface {
	ports.PacketSource
	io.Closer
}

// Open picks a reader by file extension: .json/.jsonl/.ndjson are decoded
// packets, .pcap/.pcapng/.cap are raw captures.
func Open(path string, cfg config.AnalysisConfig) (Source, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pcap", ".pcapng", ".cap":
		return OpenPcap(path, cfg)
	case ".json", ".jsonl", ".ndjson":
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open packets: %w", err)
		}
		return &jsonFile{JSONSource: NewJSONSource(f, path), f: f}, nil
	}
	return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedSource, path)
}

type jsonFile struct {
	*JSONSource
	f *os.File
}

func (j *jsonFile) Close() error { return j.f.Close() }

// UploadOpener returns a SourceOpener for HTTP uploads: pcap content types
// are read as captures, everything else as decoded-packet JSON.
func UploadOpener(cfg config.AnalysisConfig) ports.SourceOpener {
	return func(body io.Reader, contentType, name string) (ports.PacketSource, error) {
		mediaType, _, _ := mime.ParseMediaType(contentType)
		switch mediaType {
		case "application/vnd.tcpdump.pcap", "application/x-pcapng", "application/octet-stream":
			return NewPcapSource(body, name, cfg)
		case "", "application/json", "application/x-ndjson", "application/jsonl":
			return NewJSONSource(body, name), nil
		}
		return nil, fmt.Errorf("%w: content type %q", domain.ErrUnsupportedSource, contentType)
	}
}
