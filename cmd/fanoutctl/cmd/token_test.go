package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/austindbirch/harbor_fanout/internal/auth"
)

func TestKeygenAndMint(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	if err := runKeygen(&buf, dir); err != nil {
		t.Fatalf("runKeygen() error: %v", err)
	}
	if !strings.Contains(buf.String(), "private.pem") || !strings.Contains(buf.String(), "public.pem") {
		t.Errorf("runKeygen() output = %q", buf.String())
	}

	priv, err := os.ReadFile(filepath.Join(dir, "private.pem"))
	if err != nil {
		t.Fatal(err)
	}
	pub, err := os.ReadFile(filepath.Join(dir, "public.pem"))
	if err != nil {
		t.Fatal(err)
	}

	tok, err := mintToken(priv, "billing", "harborfanout", "harborfanout-ingest", time.Hour, time.Now())
	if err != nil {
		t.Fatalf("mintToken() error: %v", err)
	}

	v, err := auth.NewJWTValidator(string(pub), "harborfanout", "harborfanout-ingest")
	if err != nil {
		t.Fatalf("NewJWTValidator() error: %v", err)
	}
	sub, err := v.ValidateToken(tok)
	if err != nil {
		t.Fatalf("ValidateToken() error: %v", err)
	}
	if sub != "billing" {
		t.Errorf("ValidateToken() subject = %q, want billing", sub)
	}

	expired, err := mintToken(priv, "billing", "harborfanout", "harborfanout-ingest", time.Minute, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("mintToken() error: %v", err)
	}
	if _, err := v.ValidateToken(expired); err == nil {
		t.Error("ValidateToken() accepted an expired token")
	}
}

func TestMintTokenErrors(t *testing.T) {
	tests := []struct {
		name    string
		key     []byte
		sub     string
		ttl     time.Duration
		wantErr string
	}{
		{name: "no subject", key: []byte("x"), ttl: time.Hour, wantErr: "--sub"},
		{name: "bad ttl", key: []byte("x"), sub: "s", wantErr: "--ttl"},
		{name: "bad key", key: []byte("not pem"), sub: "s", ttl: time.Hour, wantErr: "parse key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := mintToken(tt.key, tt.sub, "", "", tt.ttl, time.Now())
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("mintToken() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}
