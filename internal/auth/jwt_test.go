package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func protectedHandler(t *testing.T) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := GetClaims(r.Context())
		if claims == nil {
			t.Error("claims missing from authenticated request context")
			return
		}
		w.Write([]byte(claims.Username))
	})
}

func TestMiddlewareValidToken(t *testing.T) {
	a := New("secret")
	token, err := a.IssueToken(42, "tester", time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(a.Middleware(protectedHandler(t)))
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestMiddlewareTokenQueryFallback(t *testing.T) {
	a := New("secret")
	token, err := a.IssueToken(42, "tester", time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(a.Middleware(protectedHandler(t)))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "?token=" + token)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestMiddlewareRejects(t *testing.T) {
	a := New("secret")
	expired, err := a.IssueToken(42, "tester", -time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	other := New("different-secret")
	foreign, err := other.IssueToken(42, "tester", time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler reached with a bad token")
	})))
	defer srv.Close()

	cases := map[string]string{
		"missing":      "",
		"malformed":    "Bearer not-a-jwt",
		"expired":      "Bearer " + expired,
		"wrong secret": "Bearer " + foreign,
	}
	for name, header := range cases {
		req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		resp, err := srv.Client().Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("%s: status = %d, want 401", name, resp.StatusCode)
		}
	}
}

func TestGetClaimsEmptyContext(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if claims := GetClaims(req.Context()); claims != nil {
		t.Fatalf("claims = %+v, want nil", claims)
	}
}
