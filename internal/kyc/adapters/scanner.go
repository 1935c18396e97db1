package adapters

import (
	"bytes"
	"context"
	"io"
	"log/slog"

	"kycgate/internal/kyc/models"
	"kycgate/internal/kyc/ports"
)

// DefaultMaxDocumentBytes is the largest upload the heuristic scanner accepts.
const DefaultMaxDocumentBytes = 10 << 20

const (
	ThreatOversized   = "file exceeds size limit"
	ThreatExecutable  = "executable content"
	ThreatScript      = "embedded script"
	ThreatUnreadable  = "unreadable document"
	headerSniffLength = 4
)

var executableMagic = [][]byte{
	[]byte("MZ"),      // PE/COFF
	[]byte("\x7fELF"), // ELF
}

var scriptMarkers = [][]byte{
	[]byte("<?php"),
	[]byte("<script"),
	[]byte("eval("),
	[]byte("exec("),
}

// HeuristicScanner flags oversized files, executable headers and embedded
// script markers. It is a development default, not an anti-virus engine.
// A document that cannot be read is reported as not clean.
type HeuristicScanner struct {
	source   ports.DocumentSource
	maxBytes int64
	logger   *slog.Logger
}

type ScannerOption func(*HeuristicScanner)

func WithMaxBytes(n int64) ScannerOption {
	return func(s *HeuristicScanner) {
		if n > 0 {
			s.maxBytes = n
		}
	}
}

func WithScannerLogger(logger *slog.Logger) ScannerOption {
	return func(s *HeuristicScanner) {
		s.logger = logger
	}
}

func NewHeuristicScanner(source ports.DocumentSource, opts ...ScannerOption) *HeuristicScanner {
	s := &HeuristicScanner{
		source:   source,
		maxBytes: DefaultMaxDocumentBytes,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *HeuristicScanner) Scan(ctx context.Context, ref models.DocumentRef) (ports.ScanResult, error) {
	rc, size, err := s.source.Open(ctx, ref.StorageRef)
	if err != nil {
		if ctx.Err() != nil {
			return ports.ScanResult{}, ctx.Err()
		}
		s.logger.WarnContext(ctx, "document unreadable during scan",
			"document_id", ref.DocumentID.String(),
			"error", err,
		)
		return infected(ThreatUnreadable), nil
	}
	defer rc.Close()

	if size > s.maxBytes {
		return infected(ThreatOversized), nil
	}
	content, err := io.ReadAll(io.LimitReader(rc, s.maxBytes+1))
	if err != nil {
		if ctx.Err() != nil {
			return ports.ScanResult{}, ctx.Err()
		}
		return infected(ThreatUnreadable), nil
	}
	if int64(len(content)) > s.maxBytes {
		return infected(ThreatOversized), nil
	}

	var threats []string
	header := content[:min(len(content), headerSniffLength)]
	for _, magic := range executableMagic {
		if bytes.HasPrefix(header, magic) {
			threats = append(threats, ThreatExecutable)
			break
		}
	}
	lower := bytes.ToLower(content)
	for _, marker := range scriptMarkers {
		if bytes.Contains(lower, marker) {
			threats = append(threats, ThreatScript)
			break
		}
	}
	if len(threats) > 0 {
		return ports.ScanResult{Threats: threats}, nil
	}
	return ports.ScanResult{Clean: true}, nil
}

func infected(threat string) ports.ScanResult {
	return ports.ScanResult{Threats: []string{threat}}
}
