// Package service drives the KYC session state machine: starting sessions,
// recording uploads, admin decisions and authorized views of decrypted data.
package service

import (
	"context"
	"errors"
	"log/slog"

	"kycgate/internal/kyc/fraud"
	"kycgate/internal/kyc/metrics"
	"kycgate/internal/kyc/ports"
	id "kycgate/pkg/domain"
)

// Decrypter opens field envelopes written by the document processor.
type Decrypter interface {
	Decrypt(envelope string) (string, error)
}

// FraudChecker runs duplicate checks for a session before approval.
type FraudChecker interface {
	CheckSession(ctx context.Context, sessionID id.SessionID, userID id.UserID) (*fraud.Result, error)
}

// Service persists KYC sessions and their decisions. It keeps orchestration
// out of handlers and domain logic thin.
type Service struct {
	sessions     ports.SessionStore
	documents    ports.DocumentStore
	decrypter    Decrypter
	fraud        FraudChecker
	auditor      ports.AuditRecorder
	logger       *slog.Logger
	metrics      *metrics.Metrics
	transitioner *Transitioner
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithAuditRecorder(recorder ports.AuditRecorder) Option {
	return func(s *Service) {
		s.auditor = recorder
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func New(sessions ports.SessionStore, documents ports.DocumentStore, decrypter Decrypter, fraudChecker FraudChecker, opts ...Option) (*Service, error) {
	if sessions == nil {
		return nil, errors.New("session store is required")
	}
	if documents == nil {
		return nil, errors.New("document store is required")
	}
	if decrypter == nil {
		return nil, errors.New("decrypter is required")
	}
	if fraudChecker == nil {
		return nil, errors.New("fraud checker is required")
	}

	svc := &Service{
		sessions:  sessions,
		documents: documents,
		decrypter: decrypter,
		fraud:     fraudChecker,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(svc)
	}
	svc.transitioner = NewTransitioner(sessions, svc.auditor, svc.logger, svc.metrics)
	return svc, nil
}

// Transitioner exposes the shared transition path for the OTP challenge and
// the document processor.
func (s *Service) Transitioner() *Transitioner {
	return s.transitioner
}
