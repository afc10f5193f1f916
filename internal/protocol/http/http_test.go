package http

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestHandler_Supports(t *testing.T) {
	h := New(nil)
	if !h.Supports("https://example.com/f") || !h.Supports("http://example.com/f") {
		t.Fatal("expected http(s) urls to be supported")
	}
	if h.Supports("ftp://example.com/f") {
		t.Fatal("ftp url should not be supported")
	}
}

func TestHandler_Download(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hello world"))
	}))
	defer srv.Close()

	h := New(srv.Client())
	dest := filepath.Join(t.TempDir(), "out.bin")
	if err := h.Download(context.Background(), srv.URL, dest, nil); err != nil {
		t.Fatalf("Download: %v", err)
	}

	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "hello world" {
		t.Fatalf("unexpected content: %q", data)
	}

	p, err := h.Progress(srv.URL)
	if err != nil {
		t.Fatalf("Progress: %v", err)
	}
	if p.State != "completed" {
		t.Fatalf("expected completed state, got %q", p.State)
	}
}

func TestHandler_SeedAndServe(t *testing.T) {
	dir := t.TempDir()
	filePath := filepath.Join(dir, "content.bin")
	if err := os.WriteFile(filePath, []byte("seeded content"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	h := New(nil)
	if err := h.Seed(context.Background(), "merkleroot123", filePath); err != nil {
		t.Fatalf("Seed: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(h.ServeHTTP))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/files/merkleroot123")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "seeded content" {
		t.Fatalf("unexpected body: %q", body)
	}

	ids := h.ListSeeding()
	if len(ids) != 1 || ids[0] != "merkleroot123" {
		t.Fatalf("unexpected seeding list: %v", ids)
	}

	if err := h.StopSeeding("merkleroot123"); err != nil {
		t.Fatalf("StopSeeding: %v", err)
	}
	if len(h.ListSeeding()) != 0 {
		t.Fatal("expected no seeding entries after StopSeeding")
	}
}

func TestHandler_DownloadRange(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "f", time.Now(), strings.NewReader("0123456789"))
	}))
	defer srv.Close()

	h := New(srv.Client())
	data, err := h.DownloadRange(context.Background(), srv.URL, 2, 3)
	if err != nil {
		t.Fatalf("DownloadRange: %v", err)
	}
	if string(data) != "234" {
		t.Fatalf("expected range bytes '234', got %q", data)
	}
}
