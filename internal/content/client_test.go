package content

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestPin(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/pins" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Unexpected auth header %q", got)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("ParseMultipartForm failed: %v", err)
		}
		f, header, err := r.FormFile("file")
		if err != nil {
			t.Fatalf("FormFile failed: %v", err)
		}
		defer f.Close()
		if header.Filename != "report.pdf" {
			t.Errorf("Unexpected filename %s", header.Filename)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ref": "ipfs://QmDeliverable"}`))
	}))
	defer srv.Close()

	ref, err := NewClient(srv.URL, "test-key").Pin(context.Background(), "report.pdf", strings.NewReader("the work"))
	if err != nil {
		t.Fatalf("Pin failed: %v", err)
	}
	if ref != "ipfs://QmDeliverable" {
		t.Errorf("Unexpected ref %s", ref)
	}
}

func TestPinServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusPaymentRequired)
	}))
	defer srv.Close()

	if _, err := NewClient(srv.URL, "").Pin(context.Background(), "a.txt", strings.NewReader("x")); err == nil {
		t.Error("Expected an error for a rejected upload")
	}
}

func TestPinEmptyReference(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	if _, err := NewClient(srv.URL, "").Pin(context.Background(), "a.txt", strings.NewReader("x")); err == nil {
		t.Error("Expected an error for an empty reference")
	}
}
