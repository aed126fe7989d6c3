package identity

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/ashureev/stormcloud/internal/domain"
	"github.com/ashureev/stormcloud/internal/store"
)

var (
	// ErrUnauthorized covers missing, invalid, expired or superseded credentials.
	ErrUnauthorized = errors.New("invalid or missing token")

	// ErrInvalidCredentials is returned by Login for an unknown email or wrong password.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrInvalidInput is returned by Register for malformed fields.
	ErrInvalidInput = errors.New("invalid input")

	errEmptyToken = errors.New("empty token")
)

const minPasswordLength = 8

// AccountStore is the persistence the identity service needs.
type AccountStore interface {
	CreateAccount(ctx context.Context, account *domain.Account) error
	GetAccount(ctx context.Context, accountID string) (*domain.Account, error)
	GetAccountByEmail(ctx context.Context, email string) (*domain.Account, error)
	RotateCredential(ctx context.Context, accountID, credential string) error
}

// Session is the result of a successful register or login.
type Session struct {
	Token   string
	Account *domain.Account
}

// Service registers accounts, logs them in and resolves bearer tokens.
type Service struct {
	accounts   AccountStore
	issuer     *Issuer
	bcryptCost int
	now        func() time.Time
}

// NewService creates an identity service.
func NewService(accounts AccountStore, issuer *Issuer) *Service {
	return &Service{
		accounts:   accounts,
		issuer:     issuer,
		bcryptCost: bcrypt.DefaultCost,
		now:        time.Now,
	}
}

// Register creates a free-tier account and returns a session for it. An
// empty name defaults to the local part of the email.
func (s *Service) Register(ctx context.Context, name, email, password string) (*Session, error) {
	return s.create(ctx, name, email, password, domain.TierFree)
}

func (s *Service) create(ctx context.Context, name, email, password string, tier domain.Tier) (*Session, error) {
	name = strings.TrimSpace(name)
	email = normalizeEmail(email)
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, fmt.Errorf("%w: email is not valid", ErrInvalidInput)
	}
	if name == "" {
		name, _, _ = strings.Cut(email, "@")
	}
	if len(password) < minPasswordLength {
		return nil, fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, minPasswordLength)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	credential, err := newCredential()
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	account := &domain.Account{
		ID:                uuid.NewString(),
		Name:              name,
		Email:             email,
		PasswordHash:      string(hash),
		Tier:              tier,
		SessionCredential: credential,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.accounts.CreateAccount(ctx, account); err != nil {
		return nil, err
	}

	token, err := s.issuer.Issue(account.ID, credential)
	if err != nil {
		return nil, err
	}
	return &Session{Token: token, Account: account}, nil
}

// Login verifies the password and rotates the session credential, which
// invalidates tokens issued by earlier logins.
func (s *Service) Login(ctx context.Context, email, password string) (*Session, error) {
	account, err := s.accounts.GetAccountByEmail(ctx, normalizeEmail(email))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)) != nil {
		return nil, ErrInvalidCredentials
	}

	credential, err := newCredential()
	if err != nil {
		return nil, err
	}
	if err := s.accounts.RotateCredential(ctx, account.ID, credential); err != nil {
		return nil, fmt.Errorf("rotate credential: %w", err)
	}
	account.SessionCredential = credential

	token, err := s.issuer.Issue(account.ID, credential)
	if err != nil {
		return nil, err
	}
	return &Session{Token: token, Account: account}, nil
}

// Authenticate resolves a bearer token to its account. The token must carry
// the account's current session credential.
func (s *Service) Authenticate(ctx context.Context, token string) (*domain.Account, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: %w", ErrUnauthorized, errEmptyToken)
	}
	claims, err := s.issuer.Parse(token)
	if err != nil {
		return nil, err
	}

	account, err := s.accounts.GetAccount(ctx, claims.AccountID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: account no longer exists", ErrUnauthorized)
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	if subtle.ConstantTimeCompare([]byte(account.SessionCredential), []byte(claims.Credential)) != 1 {
		return nil, fmt.Errorf("%w: session superseded", ErrUnauthorized)
	}
	return account, nil
}

// SeedAdmin creates an admin-tier account if none exists for email. It is a
// no-op when password is empty.
func (s *Service) SeedAdmin(ctx context.Context, email, password string) (*domain.Account, error) {
	if password == "" {
		return nil, nil
	}
	email = normalizeEmail(email)

	existing, err := s.accounts.GetAccountByEmail(ctx, email)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("get account: %w", err)
	}

	session, err := s.create(ctx, "Admin", email, password, domain.TierAdmin)
	if errors.Is(err, store.ErrEmailTaken) {
		return s.accounts.GetAccountByEmail(ctx, email)
	}
	if err != nil {
		return nil, fmt.Errorf("seed admin: %w", err)
	}
	slog.Info("Admin account seeded", "email", email, "account_id", session.Account.ID)
	return session.Account, nil
}

func newCredential() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate session credential: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
