package monitor

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"opsagent/internal/classifier"
	"opsagent/internal/storage"
	logx "opsagent/pkg/logx"
)

type fakeJudge struct {
	mu     sync.Mutex
	change classifier.Change
	err    error
	calls  []string
}

func (j *fakeJudge) CompareContent(_ context.Context, oldText, newText string) (classifier.Change, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.calls = append(j.calls, oldText+" -> "+newText)
	return j.change, j.err
}

type fakeOut struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeOut) Deliver(_ context.Context, to, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, to+"|"+text)
	return nil
}

// site serves page as text/html; status overrides 200 when set.
type site struct {
	mu     sync.Mutex
	page   string
	status int
}

func (s *site) set(page string) {
	s.mu.Lock()
	s.page, s.status = page, 0
	s.mu.Unlock()
}

func (s *site) fail(code int) {
	s.mu.Lock()
	s.status = code
	s.mu.Unlock()
}

func (s *site) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != 0 {
		w.WriteHeader(s.status)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(s.page))
}

type harness struct {
	m     *Monitor
	db    *storage.DB
	site  *site
	judge *fakeJudge
	out   *fakeOut
	url   string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := storage.Open(context.Background(), storage.Config{Path: ":memory:"}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	st := &site{}
	srv := httptest.NewServer(st)
	t.Cleanup(srv.Close)

	h := &harness{db: db, site: st, judge: &fakeJudge{}, out: &fakeOut{}, url: srv.URL + "/status"}
	h.m = New(Config{URLs: []string{h.url}, Recipient: "100", Timeout: time.Second}, db, h.judge, h.out, logx.Nop())
	return h
}

func page(body string) string {
	return `<html><head><title>Status</title><script>var nonce="` + time.Now().String() + `";</script></head><body>` + body + `</body></html>`
}

func TestCheckBaselineThenUnchanged(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	h.site.set(page("<p>All systems operational</p>"))

	if err := h.m.Check(ctx); err != nil {
		t.Fatal(err)
	}
	w, err := h.db.GetWebsite(ctx, h.url)
	if err != nil || w.LastContent != "Status\nAll systems operational" || w.ContentHash != Hash(w.LastContent) {
		t.Fatalf("baseline = %+v, %v", w, err)
	}

	// Only the script nonce differs.
	h.site.set(page("<p>All systems operational</p>"))
	if err := h.m.Check(ctx); err != nil {
		t.Fatal(err)
	}
	if len(h.judge.calls) != 0 || len(h.out.sent) != 0 {
		t.Fatalf("judge=%v sent=%v", h.judge.calls, h.out.sent)
	}
}

func TestCheckChange(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		change classifier.Change
		err    error
		want   string
	}{
		{"meaningful", classifier.Change{Meaningful: true, Summary: "API is degraded"}, nil, "AI Analysis:\nAPI is degraded"},
		{"meaningful without summary", classifier.Change{Meaningful: true}, nil, "AI Analysis:\nContent changed."},
		{"not meaningful", classifier.Change{}, nil, ""},
		{"judge error", classifier.Change{}, errors.New("model offline"), "Error analyzing changes with AI: model offline"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			h := newHarness(t)
			h.judge.change, h.judge.err = tt.change, tt.err

			h.site.set(page("<p>All systems operational</p>"))
			_ = h.m.Check(ctx)
			h.site.set(page("<p>API degraded</p>"))
			if err := h.m.Check(ctx); err != nil {
				t.Fatal(err)
			}

			if len(h.judge.calls) != 1 || h.judge.calls[0] != "Status\nAll systems operational -> Status\nAPI degraded" {
				t.Fatalf("judge calls = %q", h.judge.calls)
			}
			switch {
			case tt.want == "" && len(h.out.sent) != 0:
				t.Fatalf("unexpected alert %q", h.out.sent)
			case tt.want != "" && (len(h.out.sent) != 1 || !strings.Contains(h.out.sent[0], tt.want) ||
				!strings.HasPrefix(h.out.sent[0], "100|📢 *Website Change Detected!*\n\nURL: "+h.url)):
				t.Fatalf("alert = %q, want containing %q", h.out.sent, tt.want)
			}
			if w, _ := h.db.GetWebsite(ctx, h.url); w.LastContent != "Status\nAPI degraded" {
				t.Fatalf("state not advanced: %+v", w)
			}
		})
	}
}

func TestCheckFetchError(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	h.site.fail(http.StatusBadGateway)

	if err := h.m.Check(ctx); err != nil {
		t.Fatal(err)
	}
	if len(h.out.sent) != 1 || !strings.Contains(h.out.sent[0], "⚠️ *Error Monitoring Website*") || !strings.Contains(h.out.sent[0], "`HTTP 502`") {
		t.Fatalf("sent = %q", h.out.sent)
	}
	if _, err := h.db.GetWebsite(ctx, h.url); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("failed fetch stored state: %v", err)
	}
}

func TestCheckStopsOnCancel(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := h.m.Check(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
}

func TestExtractText(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in, want string
	}{
		{"<p>  Hello  </p><p>World</p>", "Hello\nWorld"},
		{"<div>a<style>.x{}</style><!-- note -->b</div>", "a\nb"},
		{"<pre>line one\n\n   line two</pre>", "line one\nline two"},
		{"<p>price    9.99</p>", "price\n9.99"},
		{"", ""},
	}
	for _, tt := range tests {
		got, err := ExtractText(tt.in)
		if err != nil || got != tt.want {
			t.Fatalf("ExtractText(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
		}
	}
}
