// Package domain holds typed identifiers shared across KYC packages.
//
// Every identifier wraps a UUID but is a distinct type, so a document ID can
// never be passed where a session ID is expected.
package domain

import (
	"strings"

	"github.com/google/uuid"

	dErrors "kycgate/pkg/domain-errors"
)

type (
	UserID     uuid.UUID
	SessionID  uuid.UUID
	DocumentID uuid.UUID
	OTPID      uuid.UUID
	AuditID    uuid.UUID
)

// maxIDLength bounds input before it reaches uuid.Parse. Braced and urn forms
// are the longest accepted encodings.
const maxIDLength = 45

func parseUUID(kind, raw string) (uuid.UUID, error) {
	if len(raw) > maxIDLength {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, kind+" is malformed")
	}
	if strings.TrimSpace(raw) == "" {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, kind+" is required")
	}
	parsed, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, dErrors.Wrap(err, dErrors.CodeInvalidInput, kind+" is malformed")
	}
	if parsed == uuid.Nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, kind+" must not be nil")
	}
	return parsed, nil
}

func ParseUserID(raw string) (UserID, error) {
	u, err := parseUUID("user ID", raw)
	return UserID(u), err
}

func ParseSessionID(raw string) (SessionID, error) {
	u, err := parseUUID("session ID", raw)
	return SessionID(u), err
}

func ParseDocumentID(raw string) (DocumentID, error) {
	u, err := parseUUID("document ID", raw)
	return DocumentID(u), err
}

func ParseOTPID(raw string) (OTPID, error) {
	u, err := parseUUID("OTP ID", raw)
	return OTPID(u), err
}

func NewSessionID() SessionID   { return SessionID(uuid.New()) }
func NewDocumentID() DocumentID { return DocumentID(uuid.New()) }
func NewOTPID() OTPID           { return OTPID(uuid.New()) }
func NewAuditID() AuditID       { return AuditID(uuid.New()) }

func (id UserID) String() string     { return uuid.UUID(id).String() }
func (id SessionID) String() string  { return uuid.UUID(id).String() }
func (id DocumentID) String() string { return uuid.UUID(id).String() }
func (id OTPID) String() string      { return uuid.UUID(id).String() }
func (id AuditID) String() string    { return uuid.UUID(id).String() }

func (id UserID) IsNil() bool     { return uuid.UUID(id) == uuid.Nil }
func (id SessionID) IsNil() bool  { return uuid.UUID(id) == uuid.Nil }
func (id DocumentID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }
func (id OTPID) IsNil() bool      { return uuid.UUID(id) == uuid.Nil }
