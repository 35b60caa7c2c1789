package crypto

import (
	"bytes"
	"testing"
)

func TestGenerateMasterKey(t *testing.T) {
	key, err := GenerateMasterKey()
	if err != nil {
		t.Fatalf("Failed to generate master key: %v", err)
	}
	if key == "" {
		t.Fatal("Generated key is empty")
	}

	key2, err := GenerateMasterKey()
	if err != nil {
		t.Fatalf("Failed to generate second master key: %v", err)
	}
	if key == key2 {
		t.Fatal("Generated keys should be unique")
	}
}

func TestSealOpen(t *testing.T) {
	masterKey, err := GenerateMasterKey()
	if err != nil {
		t.Fatalf("Failed to generate master key: %v", err)
	}

	testCases := []struct {
		name      string
		plaintext []byte
	}{
		{"Short snapshot", []byte(`{"sessionId":"s1"}`)},
		{"Unicode content", []byte(`{"transcript":[{"text":"🔐 会話"}]}`)},
		{"Large snapshot", bytes.Repeat([]byte("line of conversation "), 4096)},
		{"Empty", nil},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			sealed, err := Seal(tc.plaintext, masterKey)
			if err != nil {
				t.Fatalf("Seal failed: %v", err)
			}

			if len(tc.plaintext) == 0 {
				if sealed != nil {
					t.Fatal("empty plaintext should seal to nil")
				}
				return
			}

			if bytes.Equal(sealed, tc.plaintext) {
				t.Fatal("ciphertext should differ from plaintext")
			}

			opened, err := Open(sealed, masterKey)
			if err != nil {
				t.Fatalf("Open failed: %v", err)
			}
			if !bytes.Equal(opened, tc.plaintext) {
				t.Fatal("round trip did not restore the plaintext")
			}
		})
	}
}

func TestSealUniqueness(t *testing.T) {
	masterKey, err := GenerateMasterKey()
	if err != nil {
		t.Fatalf("Failed to generate master key: %v", err)
	}

	plaintext := []byte("same snapshot twice")

	sealed1, err := Seal(plaintext, masterKey)
	if err != nil {
		t.Fatalf("First Seal failed: %v", err)
	}
	sealed2, err := Seal(plaintext, masterKey)
	if err != nil {
		t.Fatalf("Second Seal failed: %v", err)
	}

	// The random nonce makes every sealing distinct.
	if bytes.Equal(sealed1, sealed2) {
		t.Fatal("same plaintext sealed twice should produce different ciphertexts")
	}
}

func TestOpenWithWrongKey(t *testing.T) {
	key1, _ := GenerateMasterKey()
	key2, _ := GenerateMasterKey()

	sealed, err := Seal([]byte("secret"), key1)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if _, err := Open(sealed, key2); err == nil {
		t.Fatal("opening with the wrong key should fail")
	}
}

func TestOpenTruncatedCiphertext(t *testing.T) {
	key, _ := GenerateMasterKey()
	if _, err := Open([]byte("short"), key); err == nil {
		t.Fatal("truncated ciphertext should fail")
	}
}
