// Package cryptocompat reads message bodies that older web clients stored
// encrypted with the CryptoJS passphrase scheme (OpenSSL "Salted__" format,
// MD5 EVP_BytesToKey, AES-256-CBC, PKCS#7). New writes are plaintext.
package cryptocompat

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"unicode/utf8"

	"go.uber.org/zap"
)

const (
	saltedMarker = "Salted__"
	saltLen      = 8
	keyLen       = 32
	keyIVLen     = keyLen + aes.BlockSize
)

var base64Pattern = regexp.MustCompile(`^[A-Za-z0-9+/]*={0,2}$`)

var (
	errNotSalted     = errors.New("not in CryptoJS default format: missing Salted__ marker")
	errBlockSize     = errors.New("ciphertext is not a whole number of blocks")
	errPadding       = errors.New("invalid PKCS#7 padding")
	errInvalidString = errors.New("plaintext is not valid UTF-8")
)

// Decrypter decrypts legacy bodies with a fixed passphrase. Failures are
// logged and reported through OnFailure, never returned.
type Decrypter struct {
	Passphrase string
	Logger     *zap.Logger
	OnFailure  func(err error)
}

// Decrypt returns the plaintext of body, or body itself when it is not
// base64 or cannot be decrypted.
func (d Decrypter) Decrypt(body string) string {
	if !IsBase64(body) {
		return body
	}
	plain, err := decrypt(body, d.Passphrase)
	if err != nil {
		logger := d.Logger
		if logger == nil {
			logger = zap.L()
		}
		logger.Warn("legacy body decryption failed, returning original string", zap.Error(err))
		if d.OnFailure != nil {
			d.OnFailure(err)
		}
		return body
	}
	return plain
}

// DecryptLegacyBody is Decrypter{Passphrase: passphrase}.Decrypt(ciphertextB64),
// logging through the global zap logger.
func DecryptLegacyBody(ciphertextB64, passphrase string) string {
	return Decrypter{Passphrase: passphrase}.Decrypt(ciphertextB64)
}

// Open decrypts a legacy body and reports why it could not, for tooling
// that must not silently pass ciphertext through.
func Open(ciphertextB64, passphrase string) (string, error) {
	if !IsBase64(ciphertextB64) {
		return "", errors.New("body is not base64")
	}
	return decrypt(ciphertextB64, passphrase)
}

// IsBase64 reports whether s uses the standard alphabet with valid padding.
func IsBase64(s string) bool {
	if !base64Pattern.MatchString(s) {
		return false
	}
	_, err := base64.StdEncoding.DecodeString(s)
	return err == nil
}

func decrypt(ciphertextB64, passphrase string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return "", fmt.Errorf("decode base64: %w", err)
	}
	if len(raw) < len(saltedMarker)+saltLen || string(raw[:len(saltedMarker)]) != saltedMarker {
		return "", errNotSalted
	}
	salt := raw[len(saltedMarker) : len(saltedMarker)+saltLen]
	ciphertext := raw[len(saltedMarker)+saltLen:]
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return "", errBlockSize
	}

	key, iv := deriveKeyIV([]byte(passphrase), salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("new cipher: %w", err)
	}
	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ciphertext)

	plain, err = unpad(plain)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(plain) {
		return "", errInvalidString
	}
	return string(plain), nil
}

// EncryptLegacyBody produces a body in the legacy format. A nil salt draws
// eight random bytes.
func EncryptLegacyBody(plaintext, passphrase string, salt []byte) (string, error) {
	if salt == nil {
		salt = make([]byte, saltLen)
		if _, err := rand.Read(salt); err != nil {
			return "", fmt.Errorf("read salt: %w", err)
		}
	}
	if len(salt) != saltLen {
		return "", fmt.Errorf("salt must be %d bytes, got %d", saltLen, len(salt))
	}

	key, iv := deriveKeyIV([]byte(passphrase), salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("new cipher: %w", err)
	}
	padded := pad([]byte(plaintext))
	out := make([]byte, len(saltedMarker)+saltLen+len(padded))
	copy(out, saltedMarker)
	copy(out[len(saltedMarker):], salt)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[len(saltedMarker)+saltLen:], padded)
	return base64.StdEncoding.EncodeToString(out), nil
}

// deriveKeyIV is OpenSSL EVP_BytesToKey with MD5 and one iteration:
// D_0 = MD5(pass||salt), D_i = MD5(D_{i-1}||pass||salt).
func deriveKeyIV(passphrase, salt []byte) (key, iv []byte) {
	material := make([]byte, 0, keyIVLen+md5.Size)
	var prev []byte
	for len(material) < keyIVLen {
		h := md5.New()
		h.Write(prev)
		h.Write(passphrase)
		h.Write(salt)
		prev = h.Sum(nil)
		material = append(material, prev...)
	}
	return material[:keyLen], material[keyLen:keyIVLen]
}

func pad(b []byte) []byte {
	n := aes.BlockSize - len(b)%aes.BlockSize
	return append(append([]byte{}, b...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(b []byte) ([]byte, error) {
	if len(b) == 0 || len(b)%aes.BlockSize != 0 {
		return nil, errPadding
	}
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize {
		return nil, errPadding
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, errPadding
		}
	}
	return b[:len(b)-n], nil
}
