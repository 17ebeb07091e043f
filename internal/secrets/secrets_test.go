package secrets

import (
	"bytes"
	"errors"
	"testing"
)

func TestSealOpenRoundTrip(t *testing.T) {
	box := NewBox("test-key")

	plaintext := []byte(`{"GITHUB_TOKEN":"ghp_abc"}`)
	ct, err := box.Seal(plaintext)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if bytes.Contains(ct, []byte("ghp_abc")) {
		t.Fatal("ciphertext leaks plaintext")
	}

	got, err := box.Open(ct)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round trip mismatch: got %q", got)
	}
}

func TestOpenWrongKeyFails(t *testing.T) {
	ct, err := NewBox("key-a").Seal([]byte("secret"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if _, err := NewBox("key-b").Open(ct); err == nil {
		t.Fatal("expected wrong-key decryption to fail")
	}
}

func TestNoKeyRefuses(t *testing.T) {
	box := NewBox("")
	if _, err := box.Seal([]byte("x")); !errors.Is(err, ErrNoKey) {
		t.Fatalf("Seal without key: got %v, want ErrNoKey", err)
	}
	if _, err := box.Open([]byte("xxxxxxxxxxxxxxxx")); !errors.Is(err, ErrNoKey) {
		t.Fatalf("Open without key: got %v, want ErrNoKey", err)
	}
}

func TestSealMapRoundTrip(t *testing.T) {
	box := NewBox("k")
	want := map[string]string{"A": "1", "B": "2"}

	ct, err := box.SealMap(want)
	if err != nil {
		t.Fatalf("SealMap: %v", err)
	}
	got, err := box.OpenMap(ct)
	if err != nil {
		t.Fatalf("OpenMap: %v", err)
	}
	if len(got) != len(want) || got["A"] != "1" || got["B"] != "2" {
		t.Fatalf("OpenMap = %v, want %v", got, want)
	}
}
