package protocol

import (
	"context"
	"testing"
)

type fakeHandler struct {
	name   string
	prefix string
}

func (f *fakeHandler) Name() string { return f.name }
func (f *fakeHandler) Supports(identifier string) bool {
	return len(identifier) >= len(f.prefix) && identifier[:len(f.prefix)] == f.prefix
}
func (f *fakeHandler) Capabilities() Capabilities { return Capabilities{} }
func (f *fakeHandler) Download(ctx context.Context, identifier, destPath string, progress chan<- Progress) error {
	return nil
}
func (f *fakeHandler) Seed(ctx context.Context, transferID, filePath string) error { return nil }
func (f *fakeHandler) Pause(transferID string) error                              { return nil }
func (f *fakeHandler) Resume(transferID string) error                             { return nil }
func (f *fakeHandler) Cancel(transferID string) error                             { return nil }
func (f *fakeHandler) Progress(transferID string) (Progress, error)               { return Progress{}, nil }
func (f *fakeHandler) StopSeeding(transferID string) error                        { return nil }
func (f *fakeHandler) ListSeeding() []string                                      { return nil }

func TestRegistry_Detect(t *testing.T) {
	http := &fakeHandler{name: "http", prefix: "http"}
	chiral := &fakeHandler{name: "chiral", prefix: "chiral://"}
	reg := NewRegistry(chiral, http)

	h, err := reg.Detect("chiral://peer:9000/abc")
	if err != nil || h.Name() != "chiral" {
		t.Fatalf("expected chiral handler, got %v err=%v", h, err)
	}

	h, err = reg.Detect("https://example.com/f")
	if err != nil || h.Name() != "http" {
		t.Fatalf("expected http handler, got %v err=%v", h, err)
	}

	if _, err := reg.Detect("ftp://example.com/f"); err != ErrUnknownIdentifier {
		t.Fatalf("expected ErrUnknownIdentifier, got %v", err)
	}
}

func TestRegistry_ByName(t *testing.T) {
	http := &fakeHandler{name: "http", prefix: "http"}
	reg := NewRegistry(http)
	if h, ok := reg.ByName("http"); !ok || h != http {
		t.Fatal("expected to find http handler by name")
	}
	if _, ok := reg.ByName("missing"); ok {
		t.Fatal("expected missing handler lookup to fail")
	}
}

func TestClassifyIdentifier(t *testing.T) {
	cases := map[string]IdentifierKind{
		"magnet:?xt=urn:btih:abc":                                           KindMagnet,
		"ed2k://|file|a.bin|123|ABCDEF|/":                                   KindED2K,
		"https://example.com/file":                                         KindHTTP,
		"ftp://example.com/file":                                           KindFTP,
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855": KindBareHash,
		"not a real identifier":                                           KindUnknown,
	}
	for id, want := range cases {
		if got := ClassifyIdentifier(id); got != want {
			t.Errorf("ClassifyIdentifier(%q) = %v, want %v", id, got, want)
		}
	}
}
