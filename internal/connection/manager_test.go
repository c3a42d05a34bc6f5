package connection

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/arkeep-io/crsagent/internal/model"
)

type fakeListener struct {
	mu            sync.Mutex
	authenticated []string
	fatal         []error
}

func (f *fakeListener) Authenticated(vmID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authenticated = append(f.authenticated, vmID)
}

func (f *fakeListener) Fatal(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fatal = append(f.fatal, err)
}

func newTestManager(t *testing.T, srv *httptest.Server, listener Listener) *Manager {
	t.Helper()
	cfg := Config{
		BaseURL:       srv.URL,
		Mailbox:       "mbox",
		AccessKey:     "key",
		ClientVersion: "1.0",
		AgentVersion:  "1.0",
		AgentRevision: "abc",
		MaxRetries:    1,
		RetrySleep:    time.Millisecond,
	}
	return New(cfg, zap.NewNop(), listener)
}

func TestStartAuthenticatesAndNotifiesListener(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/crs/auth/rt/token" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		fmt.Fprint(w, "tok-1\nvm-42\n")
	}))
	defer srv.Close()

	l := &fakeListener{}
	m := newTestManager(t, srv, l)

	if err := m.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.authenticated) != 1 || l.authenticated[0] != "vm-42" {
		t.Fatalf("Authenticated calls = %v, want [vm-42]", l.authenticated)
	}
}

func TestStartFatalOnUpgradeRequired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUpgradeRequired)
	}))
	defer srv.Close()

	m := newTestManager(t, srv, &fakeListener{})

	err := m.Start(t.Context())
	if err != ErrUpgradeRequired {
		t.Fatalf("Start: got %v, want ErrUpgradeRequired", err)
	}
}

func TestSendEventBatchDispatchesSections(t *testing.T) {
	var gotAuth string
	var mu sync.Mutex
	var requestsSection []string

	mux := http.NewServeMux()
	mux.HandleFunc("/crs/auth/rt/token", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "tok-1\nvm-42\n")
	})
	mux.HandleFunc("/crs/instance/vm-42", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotAuth = r.Header.Get("Authorization")
		mu.Unlock()
		fmt.Fprint(w, "#requests\n2\nline-one\nline-two\n")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	m := newTestManager(t, srv, &fakeListener{})
	if err := m.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	m.RegisterSection("#requests", func(lines []string) {
		mu.Lock()
		requestsSection = lines
		mu.Unlock()
	})

	ev, err := model.NewEvent("vm-42", model.EventTypeLogEntry, "hi")
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}

	if err := m.SendEventBatch(t.Context(), []model.VMEvent{ev}); err != nil {
		t.Fatalf("SendEventBatch: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if gotAuth != "Bearer tok-1" {
		t.Fatalf("Authorization header = %q, want %q", gotAuth, "Bearer tok-1")
	}
	if len(requestsSection) != 2 || requestsSection[0] != "line-one" || requestsSection[1] != "line-two" {
		t.Fatalf("requests section = %v", requestsSection)
	}
}

func TestSendEventBatchRetriesOn500(t *testing.T) {
	var attempts int
	var mu sync.Mutex

	mux := http.NewServeMux()
	mux.HandleFunc("/crs/auth/rt/token", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "tok-1\nvm-1\n")
	})
	mux.HandleFunc("/crs/instance/vm-1", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, "")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	m := newTestManager(t, srv, &fakeListener{})
	if err := m.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ev, err := model.NewEvent("vm-1", model.EventTypeLogEntry, "hi")
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	if err := m.SendEventBatch(t.Context(), []model.VMEvent{ev}); err != nil {
		t.Fatalf("SendEventBatch: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2 (one failure then a retry)", attempts)
	}
}

func TestSendArtifactChunkCreatesThenPuts(t *testing.T) {
	var uploaded string
	var mu sync.Mutex

	mux := http.NewServeMux()
	mux.HandleFunc("/crs/auth/rt/token", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "tok-1\nvm-1\n")
	})
	var presignedURL string
	mux.HandleFunc("/crs/artifact/chunk", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "%s\nstorage-key-1\n", presignedURL)
	})
	mux.HandleFunc("/upload", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		uploaded = string(body)
		mu.Unlock()
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	presignedURL = srv.URL + "/upload"

	m := newTestManager(t, srv, &fakeListener{})
	if err := m.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	chunk := model.VMArtifactChunk{StorageKey: "k", ArtifactIDs: []string{"a1"}}
	if err := m.SendArtifactChunk(t.Context(), chunk, strings.NewReader("artifact-bytes")); err != nil {
		t.Fatalf("SendArtifactChunk: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if uploaded != "artifact-bytes" {
		t.Fatalf("uploaded body = %q, want %q", uploaded, "artifact-bytes")
	}
}

func TestFragmentEventsSplitsOnSize(t *testing.T) {
	var events []model.VMEvent
	for i := 0; i < 3; i++ {
		ev, err := model.NewEvent("vm-1", model.EventTypeLogEntry, strings.Repeat("x", MaxRequestBytes/2))
		if err != nil {
			t.Fatalf("NewEvent: %v", err)
		}
		events = append(events, ev)
	}

	fragments, err := fragmentEvents(events)
	if err != nil {
		t.Fatalf("fragmentEvents: %v", err)
	}
	if len(fragments) < 2 {
		t.Fatalf("fragmentEvents produced %d fragments, want at least 2", len(fragments))
	}
	for _, f := range fragments {
		if len(f) > MaxRequestBytes {
			t.Fatalf("fragment of size %d exceeds MaxRequestBytes", len(f))
		}
	}
}

// TestSendEventBatchRefreshesTokenOn401ThenReplaysOnce exercises scenario
// S2: a 401 outside the refresh window triggers exactly one refresh POST,
// and the original request is replayed exactly once with the new token.
func TestSendEventBatchRefreshesTokenOn401ThenReplaysOnce(t *testing.T) {
	var mu sync.Mutex
	var refreshCalls int
	var instanceAttempts int
	var authHeaders []string

	mux := http.NewServeMux()
	mux.HandleFunc("/crs/auth/rt/token", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			mu.Lock()
			refreshCalls++
			mu.Unlock()
			fmt.Fprint(w, "tok-2\nvm-1\n")
			return
		}
		fmt.Fprint(w, "tok-1\nvm-1\n")
	})
	mux.HandleFunc("/crs/instance/vm-1", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		instanceAttempts++
		authHeaders = append(authHeaders, r.Header.Get("Authorization"))
		first := len(authHeaders) == 1
		mu.Unlock()

		if first {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, "")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	m := newTestManager(t, srv, &fakeListener{})
	if err := m.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ev, err := model.NewEvent("vm-1", model.EventTypeLogEntry, "hi")
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	if err := m.SendEventBatch(t.Context(), []model.VMEvent{ev}); err != nil {
		t.Fatalf("SendEventBatch: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if refreshCalls != 1 {
		t.Fatalf("refresh POSTs = %d, want exactly 1", refreshCalls)
	}
	if instanceAttempts != 2 {
		t.Fatalf("instance attempts = %d, want 2 (401 then a replay)", instanceAttempts)
	}
	if len(authHeaders) != 2 || authHeaders[0] != "Bearer tok-1" || authHeaders[1] != "Bearer tok-2" {
		t.Fatalf("Authorization headers = %v, want [Bearer tok-1, Bearer tok-2]", authHeaders)
	}
}

// TestSendEventBatchSkipsRefreshWithinWindow covers the other half of S2: a
// 401 arriving while the last refresh is still within tokenRefreshWindow
// must not trigger a second refresh, and fails fatally instead of retrying.
func TestSendEventBatchSkipsRefreshWithinWindow(t *testing.T) {
	var mu sync.Mutex
	var refreshCalls int
	var instanceAttempts int

	mux := http.NewServeMux()
	mux.HandleFunc("/crs/auth/rt/token", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			mu.Lock()
			refreshCalls++
			mu.Unlock()
			fmt.Fprint(w, "tok-2\nvm-1\n")
			return
		}
		fmt.Fprint(w, "tok-1\nvm-1\n")
	})
	mux.HandleFunc("/crs/instance/vm-1", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		instanceAttempts++
		mu.Unlock()
		w.WriteHeader(http.StatusUnauthorized)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	l := &fakeListener{}
	m := newTestManager(t, srv, l)
	if err := m.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Start's own GET does not touch lastRefresh; set it to "just now" so
	// the 401 below arrives within the refresh window.
	m.mu.Lock()
	m.lastRefresh = time.Now()
	m.mu.Unlock()

	ev, err := model.NewEvent("vm-1", model.EventTypeLogEntry, "hi")
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}

	err = m.SendEventBatch(t.Context(), []model.VMEvent{ev})
	if !errors.Is(err, ErrFatalAuth) {
		t.Fatalf("SendEventBatch error = %v, want ErrFatalAuth", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if refreshCalls != 0 {
		t.Fatalf("refresh POSTs = %d, want 0 (401 arrived within the refresh window)", refreshCalls)
	}
	if instanceAttempts != 1 {
		t.Fatalf("instance attempts = %d, want 1 (fatal auth failure is not retried)", instanceAttempts)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.fatal) != 1 {
		t.Fatalf("listener.Fatal calls = %d, want 1", len(l.fatal))
	}
}

func TestParseSectionsSkipsUnknownByLineCount(t *testing.T) {
	body := "#unknown\n2\nfoo\nbar\n#requests\n1\nbaz\n"
	sections, err := parseSections(body)
	if err != nil {
		t.Fatalf("parseSections: %v", err)
	}
	if len(sections["#unknown"]) != 2 {
		t.Fatalf("#unknown section = %v", sections["#unknown"])
	}
	if len(sections["#requests"]) != 1 || sections["#requests"][0] != "baz" {
		t.Fatalf("#requests section = %v", sections["#requests"])
	}
}
