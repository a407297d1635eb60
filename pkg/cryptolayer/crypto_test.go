package cryptolayer

import (
	"bytes"
	"errors"
	"testing"

	"github.com/mmalmi/hashtree-go/pkg/block"
)

func TestSealOpenRoundTrip(t *testing.T) {
	key, err := RandomKey()
	if err != nil {
		t.Fatalf("RandomKey: %v", err)
	}
	plaintext := []byte("a small directory body")

	sealed, err := Seal(&key, plaintext)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if bytes.Equal(sealed, plaintext) {
		t.Fatalf("sealed output equals plaintext")
	}

	opened, err := Open(&key, sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Fatalf("opened = %q, want %q", opened, plaintext)
	}
}

func TestSealNonceVaries(t *testing.T) {
	key, _ := RandomKey()
	plaintext := []byte("same content every time")

	a, err := Seal(&key, plaintext)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Seal(&key, plaintext)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(a, b) {
		t.Fatalf("two seals of the same plaintext produced identical ciphertext")
	}
}

func TestOpenWrongKeyFails(t *testing.T) {
	key1, _ := RandomKey()
	key2, _ := RandomKey()
	sealed, err := Seal(&key1, []byte("secret"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Open(&key2, sealed); !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("err = %v, want ErrDecryptionFailed", err)
	}
}

func TestOpenTruncatedFails(t *testing.T) {
	key, _ := RandomKey()
	if _, err := Open(&key, []byte("short")); !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("err = %v, want ErrDecryptionFailed", err)
	}
}

func TestSealNilKeyIsPassthrough(t *testing.T) {
	plaintext := []byte("public content")
	sealed, err := Seal(nil, plaintext)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(sealed, plaintext) {
		t.Fatalf("Seal with nil key modified plaintext")
	}
	opened, err := Open(nil, sealed)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Fatalf("Open with nil key modified ciphertext")
	}
}

func TestDeriveChildKeyDeterministic(t *testing.T) {
	parent, _ := RandomKey()
	h := block.Sum([]byte("child plaintext"))

	k1, err := DeriveChildKey(parent, h)
	if err != nil {
		t.Fatal(err)
	}
	k2, err := DeriveChildKey(parent, h)
	if err != nil {
		t.Fatal(err)
	}
	if k1 != k2 {
		t.Fatalf("DeriveChildKey not deterministic")
	}
}

func TestDeriveChildKeyScopedToParent(t *testing.T) {
	parentA, _ := RandomKey()
	parentB, _ := RandomKey()
	h := block.Sum([]byte("same child content"))

	ka, err := DeriveChildKey(parentA, h)
	if err != nil {
		t.Fatal(err)
	}
	kb, err := DeriveChildKey(parentB, h)
	if err != nil {
		t.Fatal(err)
	}
	if ka == kb {
		t.Fatalf("identical children under different parents converged to the same key")
	}
}

func TestDeriveChildKeyScopedToContent(t *testing.T) {
	parent, _ := RandomKey()
	h1 := block.Sum([]byte("content one"))
	h2 := block.Sum([]byte("content two"))

	k1, err := DeriveChildKey(parent, h1)
	if err != nil {
		t.Fatal(err)
	}
	k2, err := DeriveChildKey(parent, h2)
	if err != nil {
		t.Fatal(err)
	}
	if k1 == k2 {
		t.Fatalf("different content under the same parent produced the same key")
	}
}
