package stub

import (
	"context"
	"testing"

	"github.com/totoro-ming-lin/chiral-network-sub001/internal/protocol"
)

func TestBitTorrent_Supports(t *testing.T) {
	h := BitTorrent()
	if !h.Supports("magnet:?xt=urn:btih:abcdef0123456789abcdef0123456789abcdef01") {
		t.Fatal("expected magnet link to be supported")
	}
	if !h.Supports("abcdef0123456789abcdef0123456789abcdef01") {
		t.Fatal("expected bare 40-char info hash to be supported")
	}
	if h.Supports("https://example.com/file") {
		t.Fatal("http url should not be supported by the bittorrent stub")
	}
}

func TestStub_DownloadNotSupported(t *testing.T) {
	for _, h := range []*Handler{BitTorrent(), ED2K(), FTP(), WebRTC()} {
		if err := h.Download(context.Background(), "x", "/tmp/x", nil); err != protocol.ErrNotSupported {
			t.Fatalf("%s: expected ErrNotSupported, got %v", h.Name(), err)
		}
	}
}

func TestED2K_Supports(t *testing.T) {
	if !ED2K().Supports("ed2k://|file|a.bin|123|ABCDEF|/") {
		t.Fatal("expected ed2k link to be supported")
	}
}

func TestFTP_Supports(t *testing.T) {
	if !FTP().Supports("ftp://example.com/f") || !FTP().Supports("ftps://example.com/f") {
		t.Fatal("expected ftp/ftps urls to be supported")
	}
}
