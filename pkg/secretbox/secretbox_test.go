package secretbox

import "testing"

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		key     []byte
		wantErr bool
	}{
		{name: "valid 32-byte key", key: make([]byte, 32), wantErr: false},
		{name: "invalid short key", key: make([]byte, 16), wantErr: true},
		{name: "invalid long key", key: make([]byte, 64), wantErr: true},
		{name: "empty key", key: []byte{}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			box, err := New(tt.key)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && box == nil {
				t.Fatal("New() returned nil without error")
			}
		})
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	box, err := New(make([]byte, 32))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	for _, plaintext := range []string{"hunter2", "", "p@ss w0rd/with\"quotes'", "日本語"} {
		ct, err := box.Encrypt(plaintext)
		if err != nil {
			t.Fatalf("Encrypt(%q) error = %v", plaintext, err)
		}
		pt, err := box.Decrypt(ct)
		if err != nil {
			t.Fatalf("Decrypt(%q) error = %v", ct, err)
		}
		if pt != plaintext {
			t.Fatalf("round trip mismatch: got %q, want %q", pt, plaintext)
		}
	}
}

func TestEncryptIsNonDeterministic(t *testing.T) {
	box, _ := New(make([]byte, 32))
	a, _ := box.Encrypt("same-password")
	b, _ := box.Encrypt("same-password")
	if a == b {
		t.Fatal("Encrypt() produced identical ciphertext for two calls; nonce reuse?")
	}
}

func TestLooksEncrypted(t *testing.T) {
	box, _ := New(make([]byte, 32))
	ct, _ := box.Encrypt("secret")

	if !LooksEncrypted(ct) {
		t.Errorf("LooksEncrypted(%q) = false, want true", ct)
	}
	if LooksEncrypted("plaintext-password") {
		t.Error("LooksEncrypted(plaintext) = true, want false")
	}
	if LooksEncrypted("") {
		t.Error("LooksEncrypted(\"\") = true, want false")
	}
}

func TestDecryptRejectsPlaintext(t *testing.T) {
	box, _ := New(make([]byte, 32))
	if _, err := box.Decrypt("not-a-ciphertext"); err == nil {
		t.Error("Decrypt() of plaintext should fail")
	}
}

func TestDecryptWrongKeyFails(t *testing.T) {
	a, _ := New(make([]byte, 32))
	b, _ := New(append(make([]byte, 31), byte(1)))

	ct, _ := a.Encrypt("secret")
	if _, err := b.Decrypt(ct); err == nil {
		t.Error("Decrypt() with wrong key should fail")
	}
}

func TestNewFromPassphrase(t *testing.T) {
	if _, err := NewFromPassphrase(""); err == nil {
		t.Error("NewFromPassphrase(\"\") should fail")
	}
	box, err := NewFromPassphrase("correct horse battery staple")
	if err != nil {
		t.Fatalf("NewFromPassphrase() error = %v", err)
	}
	ct, err := box.Encrypt("hunter2")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	pt, err := box.Decrypt(ct)
	if err != nil || pt != "hunter2" {
		t.Fatalf("round trip failed: pt=%q err=%v", pt, err)
	}
}
