// Package cipher provides the symmetric helpers backing the /encrypt and
// /decrypt endpoints, used to protect authentication keys stored in repo
// config files.
package cipher

import (
	"crypto/aes"
	stdcipher "crypto/cipher"
	"crypto/md5"
	"encoding/hex"
	"fmt"
)

// deriveKey implements OpenSSL's EVP_BytesToKey with MD5, one round, no
// salt: 32-byte key plus 16-byte IV from a passphrase. Older deployments
// derived keys this way, so existing ciphertexts keep decrypting.
func deriveKey(passphrase string) (key, iv []byte) {
	var prev []byte
	var out []byte
	for len(out) < 48 {
		h := md5.New()
		h.Write(prev)
		h.Write([]byte(passphrase))
		prev = h.Sum(nil)
		out = append(out, prev...)
	}
	return out[:32], out[32:48]
}

// Encrypt encrypts text with AES-256-CTR under the given passphrase and
// returns lowercase hex.
func Encrypt(passphrase, text string) (string, error) {
	key, iv := deriveKey(passphrase)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	out := make([]byte, len(text))
	stdcipher.NewCTR(block, iv).XORKeyStream(out, []byte(text))
	return hex.EncodeToString(out), nil
}

// Decrypt reverses Encrypt. The input must be hex.
func Decrypt(passphrase, hexText string) (string, error) {
	raw, err := hex.DecodeString(hexText)
	if err != nil {
		return "", fmt.Errorf("invalid ciphertext: %w", err)
	}
	key, iv := deriveKey(passphrase)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	out := make([]byte, len(raw))
	stdcipher.NewCTR(block, iv).XORKeyStream(out, raw)
	return string(out), nil
}
