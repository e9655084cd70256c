// Package vault 提供 Provider 凭据的加解密、遮蔽与结构化数据脱敏。
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/BaSui01/llmrouter/llm"
	"golang.org/x/crypto/hkdf"
)

const (
	keySize  = 32
	hkdfInfo = "llmrouter-credential-vault"
)

// ErrEmptyPassphrase 表示未配置加密口令。
var ErrEmptyPassphrase = errors.New("vault passphrase is required")

// Vault 使用 AES-256-GCM 加解密凭据。
// 密文格式为 v<version>:<base64(nonce|ciphertext|tag)>，旧版本密钥可保留用于解密与轮换。
type Vault struct {
	mu      sync.RWMutex
	current int
	keys    map[int]cipher.AEAD
}

// New 以口令派生当前版本的密钥。
func New(passphrase string, version int) (*Vault, error) {
	v := &Vault{keys: make(map[int]cipher.AEAD)}
	if err := v.AddKey(version, passphrase); err != nil {
		return nil, err
	}
	v.current = version
	return v, nil
}

// AddKey 注册一个历史版本的密钥，使其密文仍可解密。
func (v *Vault) AddKey(version int, passphrase string) error {
	if passphrase == "" {
		return ErrEmptyPassphrase
	}
	if version <= 0 {
		return fmt.Errorf("key version must be positive, got %d", version)
	}
	aead, err := deriveAEAD(passphrase, version)
	if err != nil {
		return err
	}
	v.mu.Lock()
	v.keys[version] = aead
	v.mu.Unlock()
	return nil
}

// CurrentVersion 返回当前加密使用的密钥版本。
func (v *Vault) CurrentVersion() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.current
}

// SetCurrent 切换当前加密版本，该版本必须已注册。
func (v *Vault) SetCurrent(version int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.keys[version]; !ok {
		return fmt.Errorf("unknown key version %d", version)
	}
	v.current = version
	return nil
}

func deriveAEAD(passphrase string, version int) (cipher.AEAD, error) {
	r := hkdf.New(sha256.New, []byte(passphrase), []byte("v"+strconv.Itoa(version)), []byte(hkdfInfo))
	key := make([]byte, keySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// Encrypt 使用当前版本密钥加密明文。
func (v *Vault) Encrypt(plaintext string) (string, error) {
	v.mu.RLock()
	version := v.current
	aead := v.keys[version]
	v.mu.RUnlock()

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return "v" + strconv.Itoa(version) + ":" + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt 解密密文。认证失败、格式错误或未知版本均返回 *llm.CredentialError。
func (v *Vault) Decrypt(ciphertext string) (string, error) {
	version, payload, err := parseEnvelope(ciphertext)
	if err != nil {
		return "", llm.NewCredentialError("", "malformed ciphertext", err)
	}

	v.mu.RLock()
	aead, ok := v.keys[version]
	v.mu.RUnlock()
	if !ok {
		return "", llm.NewCredentialError("", fmt.Sprintf("unknown key version %d", version), nil)
	}

	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", llm.NewCredentialError("", "malformed ciphertext", err)
	}
	nonceSize := aead.NonceSize()
	if len(raw) < nonceSize+aead.Overhead() {
		return "", llm.NewCredentialError("", "ciphertext too short", nil)
	}
	plain, err := aead.Open(nil, raw[:nonceSize], raw[nonceSize:], nil)
	if err != nil {
		return "", llm.NewCredentialError("", "authentication failed", err)
	}
	return string(plain), nil
}

// Rotate 解密任意已知版本的密文，并用当前版本密钥重新加密。
func (v *Vault) Rotate(ciphertext string) (string, error) {
	plain, err := v.Decrypt(ciphertext)
	if err != nil {
		return "", err
	}
	return v.Encrypt(plain)
}

// VersionOf 返回密文使用的密钥版本。
func VersionOf(ciphertext string) (int, error) {
	version, _, err := parseEnvelope(ciphertext)
	return version, err
}

func parseEnvelope(s string) (int, string, error) {
	prefix, payload, ok := strings.Cut(s, ":")
	if !ok || len(prefix) < 2 || prefix[0] != 'v' {
		return 0, "", errors.New("missing version prefix")
	}
	version, err := strconv.Atoi(prefix[1:])
	if err != nil || version <= 0 {
		return 0, "", fmt.Errorf("invalid version prefix %q", prefix)
	}
	return version, payload, nil
}
