package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestSend_OK(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/send" {
			t.Fatalf("path = %s, want /send", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "secret-key" {
			t.Fatalf("authorization = %q, want secret-key", got)
		}

		var msg message
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if msg.Target != "628123456789" {
			t.Fatalf("target = %q, want 628123456789", msg.Target)
		}
		if msg.Message != "Сейчас твоя очередь покупать галон." {
			t.Fatalf("unexpected message: %q", msg.Message)
		}
		if msg.CountryCode != "62" {
			t.Fatalf("countryCode = %q, want 62", msg.CountryCode)
		}

		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	client := NewClient(ts.URL, "secret-key", "62")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := client.Send(ctx, "0812-3456-789", "Сейчас твоя очередь покупать галон."); err != nil {
		t.Fatalf("Send error: %v", err)
	}
}

func TestSend_GatewayError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer ts.Close()

	client := NewClient(ts.URL, "secret-key", "62")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := client.Send(ctx, "08123", "test"); err == nil {
		t.Fatalf("expected error on gateway failure")
	}
}

func TestSend_NotConfigured(t *testing.T) {
	client := NewClient("", "", "62")

	if err := client.Send(context.Background(), "08123", "test"); err == nil {
		t.Fatalf("expected error for unconfigured client")
	}
}

func TestNormalizePhone(t *testing.T) {
	client := NewClient("gateway:8080", "", "62")

	tests := []struct {
		name  string
		phone string
		want  string
	}{
		{name: "leading zero replaced", phone: "08123456789", want: "628123456789"},
		{name: "already international", phone: "628123456789", want: "628123456789"},
		{name: "bare local number", phone: "8123456789", want: "628123456789"},
		{name: "punctuation stripped", phone: "+62 812-3456-789", want: "628123456789"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := client.normalizePhone(tt.phone); got != tt.want {
				t.Fatalf("normalizePhone(%q) = %q, want %q", tt.phone, got, tt.want)
			}
		})
	}
}
