package chatsync

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPAuthRefresh(t *testing.T) {
	tests := []struct {
		name       string
		userStatus int
		userBody   string
		wantUser   *Identity
		wantErr    bool
	}{
		{"signed in", http.StatusOK, `{"id":4,"username":"ana","lang":"fr"}`, &Identity{ID: 4, Username: "ana", Lang: "fr"}, false},
		{"signed out", http.StatusUnauthorized, `{"error":"unauthorized"}`, nil, false},
		{"server error", http.StatusInternalServerError, `oops`, nil, true},
		{"bad json", http.StatusOK, `{`, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				switch r.URL.Path {
				case "/api/auth/user":
					w.WriteHeader(tt.userStatus)
					w.Write([]byte(tt.userBody))
				case "/api/auth/csrf-token":
					w.Header().Set("Content-Type", "application/json")
					w.Write([]byte(`{"csrf_token":"tok-123"}`))
				default:
					http.NotFound(w, r)
				}
			}))
			defer server.Close()

			auth := NewHTTPAuth(server.URL+"/", nil)
			err := auth.Refresh(context.Background())
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Refresh: %v", err)
			}

			got := auth.Identity()
			if (got == nil) != (tt.wantUser == nil) || (got != nil && *got != *tt.wantUser) {
				t.Fatalf("identity = %+v, want %+v", got, tt.wantUser)
			}
			if auth.AntiForgeryToken() != "tok-123" {
				t.Fatalf("token = %q", auth.AntiForgeryToken())
			}
		})
	}
}

func TestHTTPAuthTokenEndpointFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/auth/user" {
			w.Write([]byte(`{"id":1,"username":"ana"}`))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	auth := NewHTTPAuth(server.URL, server.Client())
	if err := auth.Refresh(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if auth.Identity() != nil || auth.AntiForgeryToken() != "" {
		t.Fatal("partial refresh stored credentials")
	}
}
