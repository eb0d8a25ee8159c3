package signature

import "testing"

func TestSignVerify(t *testing.T) {
	pub, priv, err := NewEd25519Keypair()
	if err != nil {
		t.Fatalf("NewEd25519Keypair: %v", err)
	}
	msg := []byte("signed prekey")
	sig := ED25519Sign(priv, msg)

	if !ED25519Verify(pub, msg, sig) {
		t.Fatal("valid signature rejected")
	}
	if ED25519Verify(pub, []byte("other"), sig) {
		t.Fatal("signature accepted for a different message")
	}
	if ED25519Verify(pub[:16], msg, sig) {
		t.Fatal("truncated key accepted")
	}
	if ED25519Verify(pub, msg, sig[:10]) {
		t.Fatal("truncated signature accepted")
	}
}
