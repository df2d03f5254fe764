package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func readyz(t *testing.T, h *Handler, ctx context.Context) (int, result) {
	t.Helper()
	req := httptest.NewRequestWithContext(ctx, "GET", "/readyz", nil)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)
	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return rec.Code, body
}

func pass(context.Context) error { return nil }

func TestHealthz_AlwaysOK(t *testing.T) {
	t.Parallel()

	h := New(Checker{Name: "broken", Check: func(context.Context) error { return errors.New("down") }})
	rec := httptest.NewRecorder()
	h.Healthz(rec, httptest.NewRequest("GET", "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestReadyz_AllPass(t *testing.T) {
	t.Parallel()

	h := New(Checker{Name: "index", Check: pass}, Checker{Name: "postgres", Check: pass})
	code, body := readyz(t, h, context.Background())
	if code != http.StatusOK || body.Status != "ok" {
		t.Errorf("got %d %q, want 200 ok", code, body.Status)
	}
	if body.Checks["index"] != "ok" || body.Checks["postgres"] != "ok" {
		t.Errorf("checks = %v", body.Checks)
	}
}

func TestReadyz_OneFails(t *testing.T) {
	t.Parallel()

	h := New(
		Checker{Name: "postgres", Check: func(context.Context) error { return errors.New("connection refused") }},
		Checker{Name: "index", Check: pass},
	)
	code, body := readyz(t, h, context.Background())
	if code != http.StatusServiceUnavailable || body.Status != "fail" {
		t.Errorf("got %d %q, want 503 fail", code, body.Status)
	}
	if got := body.Checks["postgres"]; got != "fail: connection refused" {
		t.Errorf("postgres check = %q", got)
	}
	if body.Checks["index"] != "ok" {
		t.Errorf("index check = %q", body.Checks["index"])
	}
}

func TestReadyz_NoCheckers(t *testing.T) {
	t.Parallel()

	code, body := readyz(t, New(), context.Background())
	if code != http.StatusOK || len(body.Checks) != 0 {
		t.Errorf("got %d %v, want 200 with no checks", code, body.Checks)
	}
}

func TestReadyz_Draining(t *testing.T) {
	t.Parallel()

	h := New(Checker{Name: "index", Check: pass})
	h.Drain()
	code, body := readyz(t, h, context.Background())
	if code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", code)
	}
	if !strings.HasPrefix(body.Checks["draining"], "fail") {
		t.Errorf("draining check = %q", body.Checks["draining"])
	}
}

func TestReadyz_StuckCheckerHonoursContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	h := New(Checker{Name: "stuck", Check: func(context.Context) error { select {} }})

	start := time.Now()
	code, body := readyz(t, h, ctx)
	if time.Since(start) > time.Second {
		t.Error("readyz did not return after the request context ended")
	}
	if code != http.StatusServiceUnavailable || !strings.Contains(body.Checks["stuck"], "timed out") {
		t.Errorf("got %d %v", code, body.Checks)
	}
}

type fakeIndex struct {
	n   int
	err error
}

func (f fakeIndex) Len(context.Context) (int, error) { return f.n, f.err }

func TestIndexLoaded(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	if err := IndexLoaded("index", fakeIndex{n: 3}).Check(ctx); err != nil {
		t.Errorf("loaded index: %v", err)
	}
	if err := IndexLoaded("index", fakeIndex{}).Check(ctx); err == nil {
		t.Error("empty index: want error")
	}
	boom := errors.New("query failed")
	if err := IndexLoaded("index", fakeIndex{err: boom}).Check(ctx); !errors.Is(err, boom) {
		t.Errorf("failing index: want %v, got %v", boom, err)
	}
}

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

func TestPing(t *testing.T) {
	t.Parallel()

	c := Ping("postgres", fakePinger{err: errors.New("down")})
	if c.Name != "postgres" || c.Check(context.Background()) == nil {
		t.Errorf("Ping checker: got name=%q", c.Name)
	}
}

func TestRegister_Routes(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	New().Register(mux)
	for _, path := range []string{"/healthz", "/readyz"} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("%s: status = %d", path, rec.Code)
		}
	}
}
