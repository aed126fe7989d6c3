package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/ashureev/stormcloud/internal/domain"
	"github.com/ashureev/stormcloud/internal/identity"
	"github.com/ashureev/stormcloud/internal/relay"
	"github.com/ashureev/stormcloud/internal/sandbox"
)

type fakeRunner struct {
	result domain.ExecutionResult
	err    error
	block  bool

	mu    sync.Mutex
	codes []string
}

func (f *fakeRunner) Run(ctx context.Context, code string, _ sandbox.Limits) (domain.ExecutionResult, error) {
	f.mu.Lock()
	f.codes = append(f.codes, code)
	f.mu.Unlock()
	if f.block {
		<-ctx.Done()
		return domain.ExecutionResult{}, ctx.Err()
	}
	return f.result, f.err
}

func (f *fakeRunner) Ping(context.Context) error { return f.err }

type fakeCounter struct {
	mu    sync.Mutex
	count map[string]int
	err   error
}

func (f *fakeCounter) IncrementExecutions(_ context.Context, accountID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if f.count == nil {
		f.count = map[string]int{}
	}
	f.count[accountID]++
	return nil
}

func (f *fakeCounter) get(accountID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count[accountID]
}

type fakePublisher struct {
	mu     sync.Mutex
	events []relay.Event
}

func (f *fakePublisher) Publish(_ string, ev relay.Event) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return 1
}

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

var testAccount = &domain.Account{
	ID:             "acct-1",
	Name:           "Ada",
	Email:          "ada@example.com",
	Tier:           domain.TierFree,
	AIRequestsUsed: 3,
	ExecutionsUsed: 7,
}

func authed(r *http.Request) *http.Request {
	return r.WithContext(identity.WithAccount(r.Context(), testAccount))
}

func postJSON(t *testing.T, path string, body interface{}) *http.Request {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	r := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	r.Header.Set("Content-Type", "application/json")
	return r
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, w.Body.String())
	}
}
