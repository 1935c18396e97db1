package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"kycgate/internal/kyc/fraud"
	"kycgate/internal/kyc/models"
	documentstore "kycgate/internal/kyc/store/document"
	sessionstore "kycgate/internal/kyc/store/session"
	id "kycgate/pkg/domain"
	dErrors "kycgate/pkg/domain-errors"
	audit "kycgate/pkg/platform/audit"
	"kycgate/pkg/platform/audit/recorder"
	auditmemory "kycgate/pkg/platform/audit/store/memory"
	"kycgate/pkg/requestcontext"
	"kycgate/pkg/secrets"
)

type ServiceSuite struct {
	suite.Suite
	ctx       context.Context
	now       time.Time
	sessions  *sessionstore.InMemoryStore
	documents *documentstore.InMemoryStore
	secrets   *secrets.Store
	audit     *auditmemory.InMemoryStore
	service   *Service
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	var err error
	s.now = time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	s.ctx = requestcontext.WithTime(context.Background(), s.now)
	s.sessions = sessionstore.NewInMemory()
	s.documents = documentstore.NewInMemory(s.sessions)
	s.secrets, err = secrets.NewStore("0123456789abcdef0123456789abcdef")
	s.Require().NoError(err)
	s.audit = auditmemory.NewInMemoryStore()
	rec := recorder.New(s.audit)

	checker, err := fraud.New(s.documents, s.secrets, fraud.WithAuditRecorder(rec))
	s.Require().NoError(err)
	s.service, err = New(s.sessions, s.documents, s.secrets, checker, WithAuditRecorder(rec))
	s.Require().NoError(err)
}

func newUser() id.UserID { return id.UserID(uuid.New()) }

// advance moves a session along forward edges until it reaches status.
func (s *ServiceSuite) advance(sessionID id.SessionID, status models.SessionStatus) {
	path := []models.SessionStatus{
		models.StatusStarted, models.StatusPendingDocuments, models.StatusProcessing,
		models.StatusPendingOTP, models.StatusOTPVerified, models.StatusApproved,
	}
	for _, next := range path[1:] {
		current, err := s.sessions.Get(s.ctx, sessionID)
		s.Require().NoError(err)
		if current.Status == status {
			return
		}
		if current.Status.CanTransitionTo(next) {
			_, err := s.service.Transitioner().Apply(s.ctx, TransitionRequest{SessionID: sessionID, To: next})
			s.Require().NoError(err)
		}
	}
}

// processedSession creates a session for userID with one processed document
// carrying number, advanced to status.
func (s *ServiceSuite) processedSession(userID id.UserID, number string, status models.SessionStatus) (*models.Session, *models.Document) {
	session, err := s.service.StartSession(s.ctx, userID)
	s.Require().NoError(err)
	doc, err := s.service.RecordUpload(s.ctx, UploadRequest{
		SessionID:  session.ID,
		UserID:     userID,
		DocType:    models.DocumentPassport,
		StorageRef: "uploads/" + session.ID.String(),
	})
	s.Require().NoError(err)

	claimed, err := s.documents.ClaimPending(s.ctx, "test", 100, s.now, time.Minute)
	s.Require().NoError(err)
	for _, c := range claimed {
		if c.ID != doc.ID {
			_, err := s.documents.Release(s.ctx, c.ID, "test", s.now)
			s.Require().NoError(err)
		}
	}
	encNumber, err := s.secrets.Encrypt(number)
	s.Require().NoError(err)
	encDOB, err := s.secrets.Encrypt("1990-02-03")
	s.Require().NoError(err)
	s.Require().NoError(s.documents.Complete(s.ctx, doc.ID, "test", models.DocumentOutcome{
		ScanStatus: models.ScanClean,
		OCRStatus:  models.OCRDone,
		Extracted: &models.ExtractedFields{
			DocumentType:   "passport",
			DocumentNumber: encNumber,
			FullName:       "Ada Lovelace",
			DateOfBirth:    encDOB,
			ExpiryDate:     "2031-01-01",
			Confidence:     0.9,
		},
		Index: s.secrets.BlindIndex("passport", number),
	}, s.now))

	s.advance(session.ID, status)
	session, err = s.sessions.Get(s.ctx, session.ID)
	s.Require().NoError(err)
	return session, doc
}

// =============================================================================
// StartSession / RecordUpload
// =============================================================================

func (s *ServiceSuite) TestStartSession() {
	s.Run("creates a started session and audits it", func() {
		userID := newUser()
		session, err := s.service.StartSession(s.ctx, userID)
		s.Require().NoError(err)
		s.Equal(models.StatusStarted, session.Status)
		s.Equal(s.now, session.CreatedAt)

		events := s.audit.ListByAction(s.ctx, audit.EventSessionStarted)
		s.NotEmpty(events)
	})

	s.Run("second active session conflicts", func() {
		userID := newUser()
		_, err := s.service.StartSession(s.ctx, userID)
		s.Require().NoError(err)
		_, err = s.service.StartSession(s.ctx, userID)
		s.True(dErrors.HasCode(err, dErrors.CodeConflict))
	})

	s.Run("new session allowed after rejection", func() {
		userID := newUser()
		first, err := s.service.StartSession(s.ctx, userID)
		s.Require().NoError(err)
		_, err = s.service.RejectSession(s.ctx, first.ID, "admin@kycgate", "blurry photo")
		s.Require().NoError(err)
		_, err = s.service.StartSession(s.ctx, userID)
		s.NoError(err)
	})

	s.Run("nil user is rejected", func() {
		_, err := s.service.StartSession(s.ctx, id.UserID{})
		s.True(dErrors.HasCode(err, dErrors.CodeBadRequest))
	})
}

func (s *ServiceSuite) TestRecordUpload() {
	userID := newUser()
	session, err := s.service.StartSession(s.ctx, userID)
	s.Require().NoError(err)

	s.Run("moves started session to pending_documents", func() {
		doc, err := s.service.RecordUpload(s.ctx, UploadRequest{
			SessionID: session.ID, UserID: userID, DocType: models.DocumentNationalID, StorageRef: "s3://bucket/a",
		})
		s.Require().NoError(err)
		s.True(doc.IsPending())

		got, err := s.sessions.Get(s.ctx, session.ID)
		s.Require().NoError(err)
		s.Equal(models.StatusPendingDocuments, got.Status)
	})

	s.Run("second upload keeps status", func() {
		_, err := s.service.RecordUpload(s.ctx, UploadRequest{
			SessionID: session.ID, UserID: userID, DocType: models.DocumentPassport, StorageRef: "s3://bucket/b",
		})
		s.Require().NoError(err)
		docs, err := s.documents.ListBySession(s.ctx, session.ID)
		s.Require().NoError(err)
		s.Len(docs, 2)
	})

	s.Run("other user's session is not found", func() {
		_, err := s.service.RecordUpload(s.ctx, UploadRequest{
			SessionID: session.ID, UserID: newUser(), DocType: models.DocumentPassport, StorageRef: "s3://bucket/c",
		})
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})

	s.Run("unsupported document type", func() {
		_, err := s.service.RecordUpload(s.ctx, UploadRequest{
			SessionID: session.ID, UserID: userID, DocType: "library_card", StorageRef: "s3://bucket/d",
		})
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	s.Run("terminal session refuses documents", func() {
		_, err := s.service.RejectSession(s.ctx, session.ID, "admin", "fraud suspected")
		s.Require().NoError(err)
		_, err = s.service.RecordUpload(s.ctx, UploadRequest{
			SessionID: session.ID, UserID: userID, DocType: models.DocumentPassport, StorageRef: "s3://bucket/e",
		})
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidStateTransition))
	})
}

// =============================================================================
// Transitions
// =============================================================================
// Justification: status only ever moves along defined edges, and racing
// writers settle on exactly one winner.

func (s *ServiceSuite) TestInvalidTransitionLeavesSessionUnchanged() {
	session, err := s.service.StartSession(s.ctx, newUser())
	s.Require().NoError(err)

	_, err = s.service.Transitioner().Apply(s.ctx, TransitionRequest{SessionID: session.ID, To: models.StatusApproved})
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidStateTransition))

	got, err := s.sessions.Get(s.ctx, session.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusStarted, got.Status)
	s.Nil(got.VerifiedAt)
}

func (s *ServiceSuite) TestAlreadyInTerminalTargetIsBenign() {
	session, err := s.service.StartSession(s.ctx, newUser())
	s.Require().NoError(err)
	_, err = s.service.RejectSession(s.ctx, session.ID, "admin", "blurry scan")
	s.Require().NoError(err)

	res, err := s.service.Transitioner().Apply(s.ctx, TransitionRequest{
		SessionID: session.ID, To: models.StatusRejected, Reason: "again",
	})
	s.Require().NoError(err)
	s.False(res.Applied)
	s.Equal(models.StatusRejected, res.Session.Status)
	s.Len(s.audit.ListByAction(s.ctx, audit.EventSessionTransition), 1)
}

func (s *ServiceSuite) TestNonTerminalSelfLoopIsInvalid() {
	session, err := s.service.StartSession(s.ctx, newUser())
	s.Require().NoError(err)
	s.advance(session.ID, models.StatusProcessing)

	_, err = s.service.Transitioner().Apply(s.ctx, TransitionRequest{SessionID: session.ID, To: models.StatusProcessing})
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidStateTransition))

	got, err := s.sessions.Get(s.ctx, session.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusProcessing, got.Status)
}

func (s *ServiceSuite) TestConcurrentRejectionsHaveOneWinner() {
	session, err := s.service.StartSession(s.ctx, newUser())
	s.Require().NoError(err)

	const writers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
		errs    []error
	)
	for range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.service.Transitioner().Apply(s.ctx, TransitionRequest{
				SessionID: session.ID, To: models.StatusRejected, Reason: "racing",
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if res.Applied {
				applied++
			}
		}()
	}
	wg.Wait()

	s.Empty(errs)
	s.Equal(1, applied)
	s.Len(s.audit.ListByAction(s.ctx, audit.EventSessionTransition), 1)
}

func (s *ServiceSuite) TestRacingApproveAndRejectSettleOnce() {
	session, _ := s.processedSession(newUser(), "RACE-1", models.StatusOTPVerified)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = s.service.ApproveSession(s.ctx, session.ID, "admin-a", "")
	}()
	go func() {
		defer wg.Done()
		_, _ = s.service.RejectSession(s.ctx, session.ID, "admin-b", "manual review failed")
	}()
	wg.Wait()

	got, err := s.sessions.Get(s.ctx, session.ID)
	s.Require().NoError(err)
	s.True(got.Status.IsTerminal())
	s.Equal(got.Status == models.StatusApproved, got.VerifiedAt != nil)
}

// =============================================================================
// Decisions
// =============================================================================

func (s *ServiceSuite) TestApproveSession() {
	s.Run("approves an otp_verified session", func() {
		session, _ := s.processedSession(newUser(), "P-100", models.StatusOTPVerified)

		approved, err := s.service.ApproveSession(s.ctx, session.ID, "admin@kycgate", "all good")
		s.Require().NoError(err)
		s.Equal(models.StatusApproved, approved.Status)
		s.Require().NotNil(approved.VerifiedAt)
		s.Equal(s.now, *approved.VerifiedAt)

		events := s.audit.ListByAction(s.ctx, audit.EventSessionApproved)
		s.Require().NotEmpty(events)
		last := events[len(events)-1]
		s.Equal("admin@kycgate", last.ActorID)
		s.Equal("all good", last.Details["notes"])
	})

	s.Run("approving twice is a no-op", func() {
		session, _ := s.processedSession(newUser(), "P-101", models.StatusOTPVerified)
		_, err := s.service.ApproveSession(s.ctx, session.ID, "admin", "")
		s.Require().NoError(err)
		before := len(s.audit.ListByAction(s.ctx, audit.EventSessionApproved))

		again, err := s.service.ApproveSession(s.ctx, session.ID, "admin", "")
		s.Require().NoError(err)
		s.Equal(models.StatusApproved, again.Status)
		s.Len(s.audit.ListByAction(s.ctx, audit.EventSessionApproved), before)
	})

	s.Run("session not yet otp_verified", func() {
		session, _ := s.processedSession(newUser(), "P-102", models.StatusPendingOTP)
		_, err := s.service.ApproveSession(s.ctx, session.ID, "admin", "")
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidStateTransition))
	})

	s.Run("duplicate document rejects the session", func() {
		s.processedSession(newUser(), "DUP 777", models.StatusApproved)
		session, _ := s.processedSession(newUser(), "dup-777", models.StatusOTPVerified)

		_, err := s.service.ApproveSession(s.ctx, session.ID, "admin", "")
		s.True(dErrors.HasCode(err, dErrors.CodeDuplicateDocument))

		got, err := s.sessions.Get(s.ctx, session.ID)
		s.Require().NoError(err)
		s.Equal(models.StatusRejected, got.Status)
		s.Contains(got.RejectionReason, "duplicate")
		s.Nil(got.VerifiedAt)
	})

	s.Run("approver is required", func() {
		_, err := s.service.ApproveSession(s.ctx, id.NewSessionID(), " ", "")
		s.True(dErrors.HasCode(err, dErrors.CodeBadRequest))
	})

	s.Run("unknown session", func() {
		_, err := s.service.ApproveSession(s.ctx, id.NewSessionID(), "admin", "")
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})
}

func (s *ServiceSuite) TestRejectSession() {
	s.Run("reason is required", func() {
		session, err := s.service.StartSession(s.ctx, newUser())
		s.Require().NoError(err)
		_, err = s.service.RejectSession(s.ctx, session.ID, "admin", "   ")
		s.True(dErrors.HasCode(err, dErrors.CodeBadRequest))
	})

	s.Run("records reason and approver", func() {
		session, err := s.service.StartSession(s.ctx, newUser())
		s.Require().NoError(err)
		rejected, err := s.service.RejectSession(s.ctx, session.ID, "admin-7", "document unreadable")
		s.Require().NoError(err)
		s.Equal(models.StatusRejected, rejected.Status)
		s.Equal("document unreadable", rejected.RejectionReason)

		events := s.audit.ListByAction(s.ctx, audit.EventSessionRejected)
		s.Require().NotEmpty(events)
		s.Equal("admin-7", events[len(events)-1].ActorID)
	})

	s.Run("approved sessions cannot be rejected", func() {
		session, _ := s.processedSession(newUser(), "P-200", models.StatusApproved)
		_, err := s.service.RejectSession(s.ctx, session.ID, "admin", "changed my mind")
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidStateTransition))
	})
}

// =============================================================================
// Reads
// =============================================================================

func (s *ServiceSuite) TestGetDocumentDetails() {
	s.Run("decrypts and audits the view", func() {
		_, doc := s.processedSession(newUser(), "X1234567", models.StatusPendingOTP)

		details, err := s.service.GetDocumentDetails(s.ctx, doc.ID, "reviewer@kycgate")
		s.Require().NoError(err)
		s.Equal("X1234567", details.DocumentNumber)
		s.Equal("1990-02-03", details.DateOfBirth)
		s.Equal("Ada Lovelace", details.FullName)

		events := s.audit.ListByAction(s.ctx, audit.EventDocumentViewed)
		s.Require().NotEmpty(events)
		s.Equal("reviewer@kycgate", events[len(events)-1].ActorID)
		s.Equal(audit.CategoryCompliance, events[len(events)-1].Category)
	})

	s.Run("tampered envelope fails with DecryptionFailed", func() {
		session, err := s.service.StartSession(s.ctx, newUser())
		s.Require().NoError(err)
		doc, err := s.service.RecordUpload(s.ctx, UploadRequest{
			SessionID: session.ID, UserID: session.UserID, DocType: models.DocumentPassport, StorageRef: "s3://t",
		})
		s.Require().NoError(err)
		claimed, err := s.documents.ClaimPending(s.ctx, "tamper", 100, s.now, time.Minute)
		s.Require().NoError(err)
		for _, c := range claimed {
			if c.ID != doc.ID {
				_, _ = s.documents.Release(s.ctx, c.ID, "tamper", s.now)
			}
		}
		envelope, err := s.secrets.Encrypt("TAMPER-1")
		s.Require().NoError(err)
		tampered := envelope[:len(envelope)-2] + "AA"
		if tampered == envelope {
			tampered = envelope[:len(envelope)-2] + "BB"
		}
		s.Require().NoError(s.documents.Complete(s.ctx, doc.ID, "tamper", models.DocumentOutcome{
			ScanStatus: models.ScanClean,
			OCRStatus:  models.OCRDone,
			Extracted:  &models.ExtractedFields{DocumentNumber: tampered},
			Index:      s.secrets.BlindIndex("passport", "TAMPER-1"),
		}, s.now))

		_, err = s.service.GetDocumentDetails(s.ctx, doc.ID, "reviewer")
		s.True(dErrors.HasCode(err, dErrors.CodeDecryptionFailed))
		s.NotEmpty(s.audit.ListByAction(s.ctx, audit.EventDecryptionFailed))
	})

	s.Run("viewer is required", func() {
		_, err := s.service.GetDocumentDetails(s.ctx, id.NewDocumentID(), "")
		s.True(dErrors.HasCode(err, dErrors.CodeBadRequest))
	})

	s.Run("unknown document", func() {
		_, err := s.service.GetDocumentDetails(s.ctx, id.NewDocumentID(), "reviewer")
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})
}

func (s *ServiceSuite) TestGetSessionStatus() {
	userID := newUser()
	session, _ := s.processedSession(userID, "S-1", models.StatusPendingOTP)

	view, err := s.service.GetSessionStatus(s.ctx, session.ID, userID)
	s.Require().NoError(err)
	s.Equal(models.StatusPendingOTP, view.Session.Status)
	s.Require().Len(view.Documents, 1)
	s.Equal(models.OCRDone, view.Documents[0].OCRStatus)

	_, err = s.service.GetSessionStatus(s.ctx, session.ID, newUser())
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}

func (s *ServiceSuite) TestLatestStatusForUser() {
	userID := newUser()
	_, err := s.service.LatestStatusForUser(s.ctx, userID)
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))

	first, err := s.service.StartSession(s.ctx, userID)
	s.Require().NoError(err)
	_, err = s.service.RejectSession(s.ctx, first.ID, "admin", "retry")
	s.Require().NoError(err)

	later := requestcontext.WithTime(context.Background(), s.now.Add(time.Minute))
	second, err := s.service.StartSession(later, userID)
	s.Require().NoError(err)

	latest, err := s.service.LatestStatusForUser(s.ctx, userID)
	s.Require().NoError(err)
	s.Equal(second.ID, latest.ID)
}

func (s *ServiceSuite) TestMemoryTxSerializesBlocks() {
	tx := NewMemoryTx()
	ctx := WithTxShard(s.ctx, "session-1")

	var (
		wg      sync.WaitGroup
		inBlock int
		maxSeen int
		mu      sync.Mutex
	)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = tx.RunInTx(ctx, func(context.Context) error {
				mu.Lock()
				inBlock++
				if inBlock > maxSeen {
					maxSeen = inBlock
				}
				mu.Unlock()
				time.Sleep(time.Millisecond)
				mu.Lock()
				inBlock--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()
	s.Equal(1, maxSeen)

	cancelled, cancel := context.WithCancel(s.ctx)
	cancel()
	err := tx.RunInTx(cancelled, func(context.Context) error { return nil })
	s.True(dErrors.HasCode(err, dErrors.CodeTimeout))
}

// Justification: audit entries raised inside a transaction are written only
// after the block returns, so an audit write never runs inside it.
func (s *ServiceSuite) TestMemoryTxWritesAuditAfterBlock() {
	session, err := s.service.StartSession(s.ctx, newUser())
	s.Require().NoError(err)
	tx := NewMemoryTx()

	err = tx.RunInTx(WithTxShard(s.ctx, session.ID.String()), func(ctx context.Context) error {
		_, err := s.service.Transitioner().Apply(ctx, TransitionRequest{
			SessionID: session.ID, To: models.StatusPendingDocuments,
		})
		s.Require().NoError(err)
		s.Empty(s.audit.ListByAction(s.ctx, audit.EventSessionTransition))
		return nil
	})
	s.Require().NoError(err)
	s.Len(s.audit.ListByAction(s.ctx, audit.EventSessionTransition), 1)
}
