package ssh

import (
	"os"
	"path/filepath"
	"testing"
)

func TestGenerateEd25519Keypair(t *testing.T) {
	dir := t.TempDir()
	priv := filepath.Join(dir, "keys", "id_ed25519")
	pub, err := GenerateEd25519Keypair(priv, "clusterctl")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(pub) == 0 {
		t.Fatalf("expected public key string")
	}
	if _, err := os.Stat(priv + ".pub"); err != nil {
		t.Fatalf("public key not written: %v", err)
	}
	signer, err := LoadPrivateKeySigner(priv)
	if err != nil {
		t.Fatalf("generated key must load back: %v", err)
	}
	if signer.PublicKey().Type() != "ssh-ed25519" {
		t.Fatalf("unexpected key type %s", signer.PublicKey().Type())
	}
}

func TestKnownHostsAppend(t *testing.T) {
	dir := t.TempDir()
	kh := filepath.Join(dir, "known_hosts")
	pub, err := GenerateEd25519Keypair(filepath.Join(dir, "id_ed25519"), "")
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	added, err := AppendKnownHost(kh, "mirror.example.com:2222", pub)
	if err != nil || !added {
		t.Fatalf("append known host: added=%v err=%v", added, err)
	}
	added, err = AppendKnownHost(kh, "mirror.example.com:2222", pub)
	if err != nil || added {
		t.Fatalf("duplicate entry must be skipped: added=%v err=%v", added, err)
	}
	b, err := os.ReadFile(kh)
	if err != nil {
		t.Fatalf("read known_hosts: %v", err)
	}
	if len(b) == 0 {
		t.Fatalf("expected content in known_hosts")
	}
	if _, err := LoadKnownHostsCallback(kh); err != nil {
		t.Fatalf("load callback: %v", err)
	}
}
