package settings

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"
)

const (
	sealedFormatVersion = 2

	pinKey     = "pin.sealed"
	timeoutKey = "pin.timeout_minutes"
)

// ErrWrongPassphrase is returned when a sealed value cannot be opened.
var ErrWrongPassphrase = errors.New("wrong passphrase or corrupted setting")

// KV is the plain key/value table settings are written to.
type KV interface {
	Setting(ctx context.Context, key string) (string, bool, error)
	PutSetting(ctx context.Context, key, value string) error
	DeleteSetting(ctx context.Context, key string) error
}

// Store keeps secrets sealed under a passphrase-derived key.
type Store struct {
	kv         KV
	passphrase string
	n, r, p    int
}

// Option tweaks a Store.
type Option func(*Store)

// WithScryptParams overrides the key derivation cost.
func WithScryptParams(n, r, p int) Option {
	return func(s *Store) { s.n, s.r, s.p = n, r, p }
}

// New returns a Store writing to kv.
func New(kv KV, passphrase string, opts ...Option) *Store {
	s := &Store{kv: kv, passphrase: passphrase, n: 1 << 15, r: 8, p: 1}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LoadPin returns the remembered PIN, if any.
func (s *Store) LoadPin(ctx context.Context) (string, bool, error) {
	raw, ok, err := s.kv.Setting(ctx, pinKey)
	if err != nil || !ok {
		return "", false, err
	}
	pt, err := s.open(pinKey, []byte(raw))
	if err != nil {
		return "", false, err
	}
	return string(pt), true, nil
}

// SavePin seals and stores pin.
func (s *Store) SavePin(ctx context.Context, pin string) error {
	sealed, err := s.seal(pinKey, []byte(pin))
	if err != nil {
		return fmt.Errorf("seal pin: %w", err)
	}
	return s.kv.PutSetting(ctx, pinKey, string(sealed))
}

// ClearPin removes the remembered PIN.
func (s *Store) ClearPin(ctx context.Context) error {
	return s.kv.DeleteSetting(ctx, pinKey)
}

// PinTimeout returns the stored timeout policy in minutes.
func (s *Store) PinTimeout(ctx context.Context) (int, bool, error) {
	raw, ok, err := s.kv.Setting(ctx, timeoutKey)
	if err != nil || !ok {
		return 0, false, err
	}
	minutes, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false, fmt.Errorf("parse pin timeout: %w", err)
	}
	return minutes, true, nil
}

// SetPinTimeout stores the timeout policy.
func (s *Store) SetPinTimeout(ctx context.Context, minutes int) error {
	return s.kv.PutSetting(ctx, timeoutKey, strconv.Itoa(minutes))
}

// envelope is the stored form of a sealed setting. The setting name is
// authenticated with the ciphertext, so a value copied under another name
// does not open.
type envelope struct {
	V      int    `json:"v"`
	Salt   []byte `json:"salt"`
	N      int    `json:"scrypt_N"`
	R      int    `json:"scrypt_r"`
	P      int    `json:"scrypt_p"`
	Nonce  []byte `json:"nonce"`
	Cipher []byte `json:"cipher"`
}

func (s *Store) aead(salt []byte, n, r, p int) (cipher.AEAD, error) {
	key, err := scrypt.Key([]byte(s.passphrase), salt, n, r, p, chacha20poly1305.KeySize)
	if err != nil {
		return nil, fmt.Errorf("derive setting key: %w", err)
	}
	return chacha20poly1305.NewX(key)
}

func (s *Store) seal(name string, raw []byte) ([]byte, error) {
	salt := make([]byte, 16)
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	aead, err := s.aead(salt, s.n, s.r, s.p)
	if err != nil {
		return nil, err
	}

	return json.Marshal(envelope{
		V:      sealedFormatVersion,
		Salt:   salt,
		N:      s.n,
		R:      s.r,
		P:      s.p,
		Nonce:  nonce,
		Cipher: aead.Seal(nil, nonce, raw, []byte(name)),
	})
}

func (s *Store) open(name string, b []byte) ([]byte, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("decode sealed setting %s: %w", name, err)
	}
	if env.V != sealedFormatVersion {
		return nil, fmt.Errorf("unsupported sealed setting version %d", env.V)
	}
	if len(env.Nonce) != chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("%w: bad nonce", ErrWrongPassphrase)
	}

	aead, err := s.aead(env.Salt, env.N, env.R, env.P)
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, env.Nonce, env.Cipher, []byte(name))
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	return pt, nil
}
