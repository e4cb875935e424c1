package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func jsonHandler(t *testing.T, status int, body string, check func(r *http.Request)) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			check(r)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}
}

func TestClient(t *testing.T) {
	t.Run("WSUrl", func(t *testing.T) {
		tests := map[string]string{
			"http://localhost:8080":    "ws://localhost:8080/ws",
			"https://api.example.com/": "wss://api.example.com/ws",
			"https://api.example.com":  "wss://api.example.com/ws",
		}
		for base, want := range tests {
			if got := NewClient("", WithBaseURL(base)).WSUrl(); got != want {
				t.Errorf("WSUrl(%s) = %s, want %s", base, got, want)
			}
		}
	})

	t.Run("FetchConversations sends bearer token", func(t *testing.T) {
		var auth string
		srv := httptest.NewServer(jsonHandler(t, 200,
			`{"ok":true,"data":[{"id":"c1","participants":[{"id":"alice"},{"id":"bob","name":"Bob"}],"createdAt":"2026-01-01T12:00:00Z","lastMessage":{"text":"hi","at":"2026-01-01T12:05:00Z"}}]}`,
			func(r *http.Request) {
				auth = r.Header.Get("Authorization")
				if r.URL.Path != "/api/matches" {
					t.Errorf("path = %s", r.URL.Path)
				}
			}))
		defer srv.Close()

		c := NewClient("tok", WithBaseURL(srv.URL), WithTimeout(5*time.Second))
		convs, err := c.FetchConversations(context.Background())
		if err != nil {
			t.Fatalf("fetch: %v", err)
		}
		if auth != "Bearer tok" {
			t.Fatalf("authorization = %q", auth)
		}
		if len(convs) != 1 || convs[0].ID != "c1" || convs[0].LastMessage == nil || convs[0].LastMessage.Text != "hi" {
			t.Fatalf("convs = %+v", convs)
		}
		if peer, ok := convs[0].Peer("alice"); !ok || peer.Name != "Bob" {
			t.Fatalf("peer = %+v", peer)
		}
	})

	t.Run("FetchHistory marks messages confirmed", func(t *testing.T) {
		srv := httptest.NewServer(jsonHandler(t, 200,
			`{"ok":true,"data":[{"id":"1","conversationId":"c 1","senderId":"bob","content":"hi","createdAt":"2026-01-01T12:00:00Z"}]}`,
			func(r *http.Request) {
				if r.URL.EscapedPath() != "/api/messages/c%201" {
					t.Errorf("path = %s", r.URL.EscapedPath())
				}
			}))
		defer srv.Close()

		msgs, err := NewClient("tok", WithBaseURL(srv.URL)).FetchHistory(context.Background(), "c 1")
		if err != nil {
			t.Fatalf("fetch: %v", err)
		}
		if len(msgs) != 1 || msgs[0].DeliveryState != DeliveryConfirmed {
			t.Fatalf("msgs = %+v", msgs)
		}
	})

	t.Run("error envelope becomes APIError", func(t *testing.T) {
		srv := httptest.NewServer(jsonHandler(t, http.StatusForbidden,
			`{"ok":false,"error":{"code":"FORBIDDEN","message":"not a participant"}}`, nil))
		defer srv.Close()

		_, err := NewClient("tok", WithBaseURL(srv.URL)).FetchHistory(context.Background(), "c1")
		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			t.Fatalf("err = %v, want APIError", err)
		}
		if apiErr.Status != 403 || apiErr.Code != "FORBIDDEN" || apiErr.Temporary() {
			t.Fatalf("apiErr = %+v", apiErr)
		}
	})

	t.Run("non-JSON failure keeps the status", func(t *testing.T) {
		srv := httptest.NewServer(jsonHandler(t, http.StatusBadGateway, "<html>bad gateway</html>", nil))
		defer srv.Close()

		_, err := NewClient("tok", WithBaseURL(srv.URL)).FetchConversations(context.Background())
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.Status != 502 || !apiErr.Temporary() {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("Login stores the token", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("/api/auth/login", func(w http.ResponseWriter, r *http.Request) {
			var body map[string]string
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body["userId"] != "alice" || body["password"] != "pw" {
				t.Errorf("login body = %v, %v", body, err)
			}
			_, _ = w.Write([]byte(`{"ok":true,"data":{"token":"fresh","user":{"id":"alice","name":"Alice"}}}`))
		})
		mux.HandleFunc("/api/matches", func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer fresh" {
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"ok":false,"error":{"code":"UNAUTHORIZED","message":"no token"}}`))
				return
			}
			_, _ = w.Write([]byte(`{"ok":true,"data":[]}`))
		})
		srv := httptest.NewServer(mux)
		defer srv.Close()

		c := NewClient("", WithBaseURL(srv.URL))
		res, err := c.Login(context.Background(), "alice", "pw")
		if err != nil {
			t.Fatalf("login: %v", err)
		}
		if cred := res.Credential(); cred.Identity != "alice" || cred.Token != "fresh" {
			t.Fatalf("credential = %+v", cred)
		}
		if _, err := c.FetchConversations(context.Background()); err != nil {
			t.Fatalf("fetch after login: %v", err)
		}
	})

	t.Run("token can change while requests run", func(t *testing.T) {
		var mu sync.Mutex
		seen := map[string]bool{}
		srv := httptest.NewServer(jsonHandler(t, 200, `{"ok":true,"data":[]}`, func(r *http.Request) {
			mu.Lock()
			seen[r.Header.Get("Authorization")] = true
			mu.Unlock()
		}))
		defer srv.Close()

		c := NewClient("tok-0", WithBaseURL(srv.URL))
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _ = c.FetchConversations(context.Background())
			}()
		}
		for i := 1; i <= 8; i++ {
			c.SetToken(fmt.Sprintf("tok-%d", i))
		}
		wg.Wait()

		if c.Token() != "tok-8" {
			t.Fatalf("token = %q", c.Token())
		}
		mu.Lock()
		defer mu.Unlock()
		for auth := range seen {
			if !strings.HasPrefix(auth, "Bearer tok-") {
				t.Fatalf("authorization = %q", auth)
			}
		}
	})

	t.Run("Realtime derives endpoint", func(t *testing.T) {
		c := NewClient("tok", WithBaseURL("https://api.example.com"))
		m := c.Realtime(RealtimeConfig{})
		if m.config.URL != "wss://api.example.com/ws" {
			t.Fatalf("url = %s", m.config.URL)
		}
		if m.State() != StateDisconnected {
			t.Fatalf("state = %s", m.State())
		}
	})
}
