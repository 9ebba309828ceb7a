// Package identity owns user registration, credential verification and the
// session table.
package identity

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/alextreichler/tradepost/internal/apperr"
	"github.com/alextreichler/tradepost/internal/models"
	"github.com/alextreichler/tradepost/internal/store"
	"github.com/google/uuid"
)

// Principal is the authenticated caller of an operation together with
// request-scoped metadata. It is passed explicitly, never read from a
// request object.
type Principal struct {
	User       *models.User
	RequestID  string
	RemoteAddr string
}

func (p Principal) UserID() string {
	if p.User == nil {
		return ""
	}
	return p.User.ID
}

// ReferralRecorder records who referred a newly registered user.
type ReferralRecorder interface {
	RecordReferral(ctx context.Context, referrerID, referredID string, source models.ReferralSource) error
}

type RegisterInput struct {
	Email        string
	Password     string
	Name         string
	IsSeller     bool
	ReferralCode string
}

type Service struct {
	Users     store.Users
	Sessions  store.Sessions
	Verifier  CredentialVerifier
	Referrals ReferralRecorder
	Now       func() time.Time

	dummyOnce sync.Once
	dummy     []byte
}

func NewService(users store.Users, sessions store.Sessions, verifier CredentialVerifier, referrals ReferralRecorder) *Service {
	return &Service{
		Users:     users,
		Sessions:  sessions,
		Verifier:  verifier,
		Referrals: referrals,
		Now:       time.Now,
	}
}

const referralCodeAttempts = 5

// Register creates the user, opens a session for it and, when the referral
// code belongs to another user, records the referral. A bad referral code
// never fails the registration.
func (s *Service) Register(ctx context.Context, in RegisterInput) (string, models.UserSummary, error) {
	email := normalizeEmail(in.Email)
	name := strings.TrimSpace(in.Name)
	if email == "" || in.Password == "" || name == "" {
		return "", models.UserSummary{}, apperr.InvalidArgument("email, password and name are required")
	}
	if !isValidEmail(email) {
		return "", models.UserSummary{}, apperr.InvalidArgument("invalid email address")
	}

	// Hashing is CPU bound; it happens before any store lock is taken.
	credential, err := s.Verifier.Hash(in.Password)
	if err != nil {
		return "", models.UserSummary{}, apperr.Internal(err, "failed to derive credential")
	}

	user := &models.User{
		ID:         uuid.NewString(),
		Email:      email,
		Credential: credential,
		Name:       name,
		IsSeller:   in.IsSeller,
		CreatedAt:  s.Now().UTC(),
	}
	if err := s.insertWithReferralCode(ctx, user); err != nil {
		return "", models.UserSummary{}, err
	}
	slog.Info("User registered", "user_id", user.ID, "seller", user.IsSeller)

	if code := strings.TrimSpace(in.ReferralCode); code != "" {
		s.recordRegistrationReferral(ctx, code, user.ID)
	}

	token, err := s.openSession(ctx, user.ID)
	if err != nil {
		return "", models.UserSummary{}, err
	}
	return token, user.Summary(), nil
}

// insertWithReferralCode retries on referral code collisions; an email
// collision is reported straight away.
func (s *Service) insertWithReferralCode(ctx context.Context, user *models.User) error {
	for attempt := 0; attempt < referralCodeAttempts; attempt++ {
		code, err := generateReferralCode()
		if err != nil {
			return apperr.Internal(err, "failed to generate referral code")
		}
		user.ReferralCode = code

		err = s.Users.CreateUser(ctx, user)
		if err == nil {
			return nil
		}
		if apperr.KindOf(err) != apperr.KindConflict {
			return err
		}
		if _, lookupErr := s.Users.GetUserByEmail(ctx, user.Email); lookupErr == nil {
			return apperr.Conflict("email already registered")
		}
	}
	return apperr.Internal(nil, "could not allocate a unique referral code")
}

func (s *Service) recordRegistrationReferral(ctx context.Context, code, userID string) {
	referrer, err := s.Users.GetUserByReferralCode(ctx, code)
	if err != nil {
		slog.Debug("Ignoring unknown referral code at registration", "code", code)
		return
	}
	if referrer.ID == userID || s.Referrals == nil {
		return
	}
	if err := s.Referrals.RecordReferral(ctx, referrer.ID, userID, models.ReferralAtRegistration); err != nil {
		slog.Warn("Failed to record registration referral", "referrer_id", referrer.ID, "user_id", userID, "error", err)
	}
}

// Login never tells an unknown email apart from a wrong password, neither in
// the error nor in how long it takes.
func (s *Service) Login(ctx context.Context, email, password string) (string, models.UserSummary, error) {
	user, err := s.Users.GetUserByEmail(ctx, normalizeEmail(email))
	if apperr.KindOf(err) == apperr.KindNotFound {
		_, _ = s.Verifier.Verify(s.dummyCredential(), password)
		return "", models.UserSummary{}, apperr.InvalidCredentials()
	}
	if err != nil {
		return "", models.UserSummary{}, err
	}

	ok, err := s.Verifier.Verify(user.Credential, password)
	if err != nil {
		slog.Error("Stored credential could not be verified", "user_id", user.ID, "error", err)
		return "", models.UserSummary{}, apperr.InvalidCredentials()
	}
	if !ok {
		return "", models.UserSummary{}, apperr.InvalidCredentials()
	}

	token, err := s.openSession(ctx, user.ID)
	if err != nil {
		return "", models.UserSummary{}, err
	}
	return token, user.Summary(), nil
}

// Authenticate resolves a session token to its user.
func (s *Service) Authenticate(ctx context.Context, token string) (*models.User, error) {
	if token == "" {
		return nil, apperr.Unauthenticated("missing session token")
	}
	sess, err := s.Sessions.GetSession(ctx, token)
	if apperr.KindOf(err) == apperr.KindNotFound {
		return nil, apperr.Unauthenticated("invalid session token")
	}
	if err != nil {
		return nil, err
	}
	return s.Users.GetUserByID(ctx, sess.UserID)
}

// Logout drops the session. Unknown tokens are not an error.
func (s *Service) Logout(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	return s.Sessions.DeleteSession(ctx, token)
}

func (s *Service) openSession(ctx context.Context, userID string) (string, error) {
	token, err := generateToken()
	if err != nil {
		return "", apperr.Internal(err, "failed to open session")
	}
	sess := &models.Session{Token: token, UserID: userID, CreatedAt: s.Now().UTC()}
	if err := s.Sessions.CreateSession(ctx, sess); err != nil {
		return "", err
	}
	return token, nil
}

func (s *Service) dummyCredential() []byte {
	s.dummyOnce.Do(func() {
		s.dummy, _ = s.Verifier.Hash("not-a-real-password")
	})
	return s.dummy
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

var emailRegex = regexp.MustCompile(`^[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}$`)

func isValidEmail(email string) bool {
	return emailRegex.MatchString(email)
}
