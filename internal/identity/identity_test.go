package identity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/ashureev/stormcloud/internal/domain"
	"github.com/ashureev/stormcloud/internal/store"
)

type fakeAccounts struct {
	mu       sync.Mutex
	byID     map[string]*domain.Account
	getErr   error
}

func newFakeAccounts() *fakeAccounts {
	return &fakeAccounts{byID: map[string]*domain.Account{}}
}

func (f *fakeAccounts) CreateAccount(_ context.Context, a *domain.Account) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.byID {
		if existing.Email == a.Email {
			return store.ErrEmailTaken
		}
	}
	cp := *a
	f.byID[a.ID] = &cp
	return nil
}

func (f *fakeAccounts) GetAccount(_ context.Context, id string) (*domain.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	a, ok := f.byID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (f *fakeAccounts) GetAccountByEmail(_ context.Context, email string) (*domain.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.byID {
		if a.Email == email {
			cp := *a
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeAccounts) RotateCredential(_ context.Context, id, credential string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.byID[id]
	if !ok {
		return store.ErrNotFound
	}
	a.SessionCredential = credential
	return nil
}

func newTestService(accounts AccountStore) *Service {
	svc := NewService(accounts, NewIssuer("test-secret-0123456789", time.Hour))
	svc.bcryptCost = bcrypt.MinCost
	return svc
}

func TestRegisterAndAuthenticate(t *testing.T) {
	t.Parallel()

	svc := newTestService(newFakeAccounts())
	ctx := context.Background()

	session, err := svc.Register(ctx, "Ada", "Ada@Example.com ", "correct-horse")
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if session.Account.Email != "ada@example.com" || session.Account.Tier != domain.TierFree {
		t.Fatalf("account = %+v", session.Account)
	}
	if session.Account.PasswordHash == "correct-horse" {
		t.Fatal("password stored in plain text")
	}

	account, err := svc.Authenticate(ctx, session.Token)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if account.ID != session.Account.ID {
		t.Fatalf("Authenticate() account = %s, want %s", account.ID, session.Account.ID)
	}
}

func TestRegisterRejectsDuplicateAndInvalid(t *testing.T) {
	t.Parallel()

	svc := newTestService(newFakeAccounts())
	ctx := context.Background()

	if _, err := svc.Register(ctx, "Ada", "ada@example.com", "correct-horse"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if _, err := svc.Register(ctx, "Other", "ADA@example.com", "another-pass"); !errors.Is(err, store.ErrEmailTaken) {
		t.Fatalf("duplicate Register() error = %v, want ErrEmailTaken", err)
	}

	tests := []struct {
		name, user, email, password string
	}{
		{"bad email", "A", "not-an-email", "longenough"},
		{"short password", "A", "a@b.co", "short"},
	}
	for _, tt := range tests {
		if _, err := svc.Register(ctx, tt.user, tt.email, tt.password); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("%s: Register() error = %v, want ErrInvalidInput", tt.name, err)
		}
	}
}

func TestRegisterDefaultsName(t *testing.T) {
	t.Parallel()

	svc := newTestService(newFakeAccounts())
	session, err := svc.Register(context.Background(), "", "grace@example.com", "correct-horse")
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if session.Account.Name != "grace" {
		t.Fatalf("Name = %q, want grace", session.Account.Name)
	}
}

func TestLoginRotatesCredential(t *testing.T) {
	t.Parallel()

	svc := newTestService(newFakeAccounts())
	ctx := context.Background()

	first, err := svc.Register(ctx, "Ada", "ada@example.com", "correct-horse")
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	second, err := svc.Login(ctx, "ada@example.com", "correct-horse")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	if _, err := svc.Authenticate(ctx, first.Token); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("old token Authenticate() error = %v, want ErrUnauthorized", err)
	}
	if _, err := svc.Authenticate(ctx, second.Token); err != nil {
		t.Fatalf("new token Authenticate() error = %v", err)
	}
}

func TestLoginInvalidCredentials(t *testing.T) {
	t.Parallel()

	svc := newTestService(newFakeAccounts())
	ctx := context.Background()
	if _, err := svc.Register(ctx, "Ada", "ada@example.com", "correct-horse"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	if _, err := svc.Login(ctx, "ada@example.com", "wrong-horse"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("wrong password error = %v", err)
	}
	if _, err := svc.Login(ctx, "nobody@example.com", "correct-horse"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("unknown email error = %v", err)
	}
}

func TestAuthenticateRejectsBadTokens(t *testing.T) {
	t.Parallel()

	accounts := newFakeAccounts()
	svc := newTestService(accounts)
	ctx := context.Background()
	session, err := svc.Register(ctx, "Ada", "ada@example.com", "correct-horse")
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	other := NewIssuer("a-different-secret-xyz", time.Hour)
	forged, _ := other.Issue(session.Account.ID, session.Account.SessionCredential)

	expiredIssuer := NewIssuer("test-secret-0123456789", time.Hour)
	expiredIssuer.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expired, _ := expiredIssuer.Issue(session.Account.ID, session.Account.SessionCredential)

	for name, token := range map[string]string{
		"empty":   "",
		"garbage": "not.a.jwt",
		"forged":  forged,
		"expired": expired,
	} {
		if _, err := svc.Authenticate(ctx, token); !errors.Is(err, ErrUnauthorized) {
			t.Errorf("%s: Authenticate() error = %v, want ErrUnauthorized", name, err)
		}
	}
}

func TestSeedAdmin(t *testing.T) {
	t.Parallel()

	svc := newTestService(newFakeAccounts())
	ctx := context.Background()

	if a, err := svc.SeedAdmin(ctx, "admin@example.com", ""); err != nil || a != nil {
		t.Fatalf("SeedAdmin(no password) = %v, %v; want nil, nil", a, err)
	}

	admin, err := svc.SeedAdmin(ctx, "admin@example.com", "admin-password")
	if err != nil {
		t.Fatalf("SeedAdmin() error = %v", err)
	}
	if admin.Tier != domain.TierAdmin {
		t.Fatalf("Tier = %s, want admin", admin.Tier)
	}

	again, err := svc.SeedAdmin(ctx, "admin@example.com", "admin-password")
	if err != nil {
		t.Fatalf("second SeedAdmin() error = %v", err)
	}
	if again.ID != admin.ID {
		t.Fatalf("SeedAdmin not idempotent: %s vs %s", again.ID, admin.ID)
	}
}

type stubAuth struct {
	account *domain.Account
	err     error
	got     string
}

func (s *stubAuth) Authenticate(_ context.Context, token string) (*domain.Account, error) {
	s.got = token
	return s.account, s.err
}

func TestTokenFromRequest(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		setup func(r *http.Request)
		want  string
	}{
		{"bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer abc") }, "abc"},
		{"lowercase bearer", func(r *http.Request) { r.Header.Set("Authorization", "bearer abc") }, "abc"},
		{"token header", func(r *http.Request) { r.Header.Set("token", "def") }, "def"},
		{"query", func(r *http.Request) { r.URL.RawQuery = "token=ghi" }, "ghi"},
		{"none", func(*http.Request) {}, ""},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		tt.setup(r)
		if got := TokenFromRequest(r); got != tt.want {
			t.Errorf("%s: TokenFromRequest() = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestMiddleware(t *testing.T) {
	t.Parallel()

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a := AccountFromContext(r.Context())
		_, _ = w.Write([]byte(a.ID))
	})

	ok := &stubAuth{account: &domain.Account{ID: "acct-1"}}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("token", "tok")
	Middleware(ok)(next).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "acct-1" || ok.got != "tok" {
		t.Fatalf("authorized: code=%d body=%q got=%q", rec.Code, rec.Body.String(), ok.got)
	}

	denied := &stubAuth{err: ErrUnauthorized}
	rec = httptest.NewRecorder()
	Middleware(denied)(next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusUnauthorized || !strings.Contains(rec.Body.String(), "Invalid or missing token") {
		t.Fatalf("unauthorized: code=%d body=%q", rec.Code, rec.Body.String())
	}

	broken := &stubAuth{err: errors.New("db down")}
	rec = httptest.NewRecorder()
	Middleware(broken)(next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("store failure: code=%d", rec.Code)
	}
}
