package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func rateLimitedEcho(t *testing.T, mw echo.MiddlewareFunc) *echo.Echo {
	t.Helper()
	e := echo.New()
	e.POST("/api/transfers/:id/verify", func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}, mw)
	return e
}

func hitVerify(e *echo.Echo, transferID, ip string) int {
	req := httptest.NewRequest(http.MethodPost, "/api/transfers/"+transferID+"/verify", nil)
	if ip != "" {
		req.Header.Set(echo.HeaderXRealIP, ip)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec.Code
}

func TestRateLimiterByTransfer(t *testing.T) {
	e := rateLimitedEcho(t, NewRateLimiter(0.001, 2).ByTransfer())

	// The bucket belongs to the transfer, not to the caller: a guesser
	// rotating addresses exhausts the same budget.
	ips := []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"}
	for i, ip := range ips[:2] {
		if code := hitVerify(e, "transfer-a", ip); code != http.StatusOK {
			t.Fatalf("request %d returned %d, want 200", i, code)
		}
	}
	if code := hitVerify(e, "transfer-a", ips[2]); code != http.StatusTooManyRequests {
		t.Errorf("exhausted transfer returned %d, want 429", code)
	}

	// A different transfer has its own bucket.
	if code := hitVerify(e, "transfer-b", ips[0]); code != http.StatusOK {
		t.Errorf("fresh transfer returned %d, want 200", code)
	}
}

func TestRateLimiterByIP(t *testing.T) {
	e := rateLimitedEcho(t, NewRateLimiter(0.001, 2).ByIP())

	for i := 0; i < 2; i++ {
		if code := hitVerify(e, "transfer-a", "10.0.0.1"); code != http.StatusOK {
			t.Fatalf("request %d returned %d, want 200", i, code)
		}
	}
	if code := hitVerify(e, "transfer-a", "10.0.0.1"); code != http.StatusTooManyRequests {
		t.Errorf("exhausted ip returned %d, want 429", code)
	}
	if code := hitVerify(e, "transfer-a", "10.0.0.2"); code != http.StatusOK {
		t.Errorf("fresh ip returned %d, want 200", code)
	}
}

func TestCredentialExtraction(t *testing.T) {
	e := echo.New()

	newContext := func(authorization, transferToken string) echo.Context {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if authorization != "" {
			req.Header.Set(echo.HeaderAuthorization, authorization)
		}
		if transferToken != "" {
			req.Header.Set(transferTokenHeader, transferToken)
		}
		return e.NewContext(req, httptest.NewRecorder())
	}

	t.Run("bearer session", func(t *testing.T) {
		c := newContext("Bearer abc123", "")
		if got := sessionToken(c); got != "abc123" {
			t.Errorf("sessionToken = %q, want abc123", got)
		}
		if kind := credentialKind(c); kind != "session" {
			t.Errorf("credentialKind = %q, want session", kind)
		}
	})

	t.Run("missing bearer prefix", func(t *testing.T) {
		c := newContext("abc123", "")
		if got := sessionToken(c); got != "" {
			t.Errorf("sessionToken = %q, want empty", got)
		}
		if kind := credentialKind(c); kind != "none" {
			t.Errorf("credentialKind = %q, want none", kind)
		}
	})

	t.Run("both credentials", func(t *testing.T) {
		c := newContext("Bearer abc123", "tok456")
		cred := credential(c)
		if cred.SessionToken != "abc123" || cred.TransferToken != "tok456" {
			t.Errorf("unexpected credential %+v", cred)
		}
		// The transfer token names the request even when both are present,
		// matching broker resolution order.
		if kind := credentialKind(c); kind != "transfer-token" {
			t.Errorf("credentialKind = %q, want transfer-token", kind)
		}
	})
}
