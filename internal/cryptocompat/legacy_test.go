package cryptocompat

import (
	"encoding/base64"
	"errors"
	"testing"

	"go.uber.org/zap/zaptest"
)

// Produced with: openssl enc -aes-256-cbc -md md5 -pass pass:future -S <salt>
// and the Salted__ header prepended.
const (
	fixtureASCII   = "U2FsdGVkX18BAgMEBQYHCHtMKOh4KHK1yUzPARyZVYi20+QluJMQqAdKhfXR8Cz3"
	fixtureUnicode = "U2FsdGVkX18IBwYFBAMCARqtYAwU8WBj0LjVkeE1EB0="
)

func TestDecryptLegacyBodyKnownAnswers(t *testing.T) {
	if got := DecryptLegacyBody(fixtureASCII, "future"); got != "hello from the old client" {
		t.Fatalf("DecryptLegacyBody(ascii) = %q", got)
	}
	if got := DecryptLegacyBody(fixtureUnicode, "future"); got != "你好" {
		t.Fatalf("DecryptLegacyBody(unicode) = %q", got)
	}
}

func TestDecryptLegacyBodyNonBase64Unchanged(t *testing.T) {
	inputs := []string{
		"hello, world",
		"plain text with spaces",
		"abc-def_ghi",
		"abcde",
		"YWJj===",
		"你好",
		"{\"type\":\"text\"}",
	}
	for _, in := range inputs {
		if got := DecryptLegacyBody(in, "future"); got != in {
			t.Fatalf("DecryptLegacyBody(%q) = %q, want unchanged", in, got)
		}
	}
}

func TestDecryptRoundTrip(t *testing.T) {
	for _, plain := range []string{"", "a", "exactly sixteen!", "a much longer message that spans several AES blocks ✓"} {
		enc, err := EncryptLegacyBody(plain, "future", nil)
		if err != nil {
			t.Fatalf("EncryptLegacyBody(%q) error = %v", plain, err)
		}
		if got := DecryptLegacyBody(enc, "future"); got != plain {
			t.Fatalf("round trip = %q, want %q", got, plain)
		}
	}
}

func TestDecryptFailuresReturnOriginal(t *testing.T) {
	valid, err := EncryptLegacyBody("secret", "future", []byte("saltsalt"))
	if err != nil {
		t.Fatalf("EncryptLegacyBody() error = %v", err)
	}
	raw, _ := base64.StdEncoding.DecodeString(valid)

	truncated := base64.StdEncoding.EncodeToString(raw[:len(raw)-3])
	flipped := append([]byte{}, raw...)
	flipped[len(flipped)-1] ^= 0xFF
	noMarker := append([]byte("Pickled_"), raw[8:]...)

	var failures int
	d := Decrypter{
		Passphrase: "future",
		Logger:     zaptest.NewLogger(t),
		OnFailure:  func(error) { failures++ },
	}
	cases := map[string]string{
		"wrong passphrase": valid,
		"truncated":        truncated,
		"corrupt padding":  base64.StdEncoding.EncodeToString(flipped),
		"missing marker":   base64.StdEncoding.EncodeToString(noMarker),
		"short":            base64.StdEncoding.EncodeToString([]byte("Salted__")),
		"empty":            "",
		"plain word":       "test",
	}
	for name, in := range cases {
		dd := d
		if name == "wrong passphrase" {
			dd.Passphrase = "past"
		}
		if got := dd.Decrypt(in); got != in {
			t.Fatalf("%s: Decrypt() = %q, want original", name, got)
		}
	}
	if failures != len(cases) {
		t.Fatalf("failures = %d, want %d", failures, len(cases))
	}
}

func TestUnpadRejectsBadPadding(t *testing.T) {
	block := make([]byte, 16)
	block[15] = 17
	if _, err := unpad(block); !errors.Is(err, errPadding) {
		t.Fatalf("unpad() error = %v, want errPadding", err)
	}
}

func TestEncryptRejectsBadSalt(t *testing.T) {
	if _, err := EncryptLegacyBody("x", "future", []byte("short")); err == nil {
		t.Fatalf("expected salt length error")
	}
}

func TestOpenReportsFailures(t *testing.T) {
	if got, err := Open(fixtureASCII, "future"); err != nil || got != "hello from the old client" {
		t.Fatalf("Open() = %q, %v", got, err)
	}
	if _, err := Open("not base64!", "future"); err == nil {
		t.Fatalf("Open(non-base64) expected error")
	}
	if _, err := Open(base64.StdEncoding.EncodeToString([]byte("plain")), "future"); !errors.Is(err, errNotSalted) {
		t.Fatalf("Open(unsalted) error = %v, want errNotSalted", err)
	}
}
