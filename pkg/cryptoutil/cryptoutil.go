// Package cryptoutil implements the channel-authentication primitives
// the channel plugins need: HMAC-SHA256 webhook signatures and the
// WeCom AES-256-CBC encrypted-XML envelope. Both are narrow,
// single-purpose protocols with no third-party Go SDK worth adopting,
// so this package is built directly on stdlib crypto — one of the few
// places in this repo where stdlib is the deliberate choice rather than
// the fallback; see DESIGN.md for the fuller justification.
package cryptoutil

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"strings"
)

// SignWebhook computes the HMAC-SHA256 over "timestamp\nsecret", base64
// encoded webhook+signature scheme.
func SignWebhook(timestamp, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + "\n" + secret))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// VerifyWebhook reports whether signature matches SignWebhook(timestamp,
// secret), using a constant-time comparison.
func VerifyWebhook(timestamp, secret, signature string) bool {
	expected := SignWebhook(timestamp, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// WeComCipher implements the WeCom (WeChat Work) encrypted-XML envelope:
// AES-256-CBC with key = base64-decoded configured key (already 32 bytes
// once decoded; no further padding is applied to the key itself — "padded
// with '='" in refers to restoring the base64 string's own
// missing padding before decoding), IV = first 16 bytes of the key,
// PKCS#7 padding, and ciphertext framing random(16) || msgLen(u32 BE) ||
// msg || corpId.
type WeComCipher struct {
	key   []byte // 32 bytes
	corpID string
}

// NewWeComCipher decodes aesKeyB64 (a base64 string, possibly missing its
// '=' padding, as WeCom's console commonly provides it) into the 32-byte
// AES key.
func NewWeComCipher(aesKeyB64, corpID string) (*WeComCipher, error) {
	padded := aesKeyB64
	if m := len(padded) % 4; m != 0 {
		padded += strings.Repeat("=", 4-m)
	}
	key, err := base64.StdEncoding.DecodeString(padded)
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: decode wecom aes key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("cryptoutil: wecom aes key must decode to 32 bytes, got %d", len(key))
	}
	return &WeComCipher{key: key, corpID: corpID}, nil
}

// Encrypt builds the WeCom ciphertext envelope for plaintext msg:
// random(16) || msgLen(u32 BE) || msg || corpId, PKCS#7 padded and
// AES-256-CBC encrypted with IV = key[:16].
func (c *WeComCipher) Encrypt(msg string) (string, error) {
	random := make([]byte, 16)
	if _, err := rand.Read(random); err != nil {
		return "", fmt.Errorf("cryptoutil: generate random prefix: %w", err)
	}

	msgBytes := []byte(msg)
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(msgBytes)))

	plain := append(append(append(random, lenBuf...), msgBytes...), []byte(c.corpID)...)
	plain = pkcs7Pad(plain, aes.BlockSize)

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("cryptoutil: new aes cipher: %w", err)
	}
	iv := c.key[:aes.BlockSize]
	out := make([]byte, len(plain))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, plain)

	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt reverses Encrypt, returning the original plaintext message and
// verifying the embedded corpId matches this cipher's configured one.
func (c *WeComCipher) Decrypt(ciphertextB64 string) (string, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return "", fmt.Errorf("cryptoutil: decode base64 ciphertext: %w", err)
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return "", fmt.Errorf("cryptoutil: ciphertext is not a multiple of the block size")
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("cryptoutil: new aes cipher: %w", err)
	}
	iv := c.key[:aes.BlockSize]
	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ciphertext)

	plain, err = pkcs7Unpad(plain, aes.BlockSize)
	if err != nil {
		return "", err
	}
	if len(plain) < 20 {
		return "", fmt.Errorf("cryptoutil: decrypted payload too short")
	}

	msgLen := binary.BigEndian.Uint32(plain[16:20])
	if int(20+msgLen) > len(plain) {
		return "", fmt.Errorf("cryptoutil: embedded message length exceeds payload")
	}
	msg := plain[20 : 20+msgLen]
	corpID := string(plain[20+msgLen:])
	if c.corpID != "" && corpID != c.corpID {
		return "", fmt.Errorf("cryptoutil: corpId mismatch")
	}
	return string(msg), nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padding := bytes.Repeat([]byte{byte(padLen)}, padLen)
	return append(data, padding...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("cryptoutil: cannot unpad empty data")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > blockSize || padLen > len(data) {
		return nil, fmt.Errorf("cryptoutil: invalid pkcs7 padding")
	}
	return data[:len(data)-padLen], nil
}
