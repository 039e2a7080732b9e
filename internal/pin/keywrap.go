package pin

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnwrap means the wrapped key could not be decrypted, which is how a wrong PIN shows up.
	ErrUnwrap = errors.New("unwrap failed")
	// ErrBadKeyFormat is returned for wrapped keys that are not valid base64.
	ErrBadKeyFormat = errors.New("bad wrapped key format")
)

// KeyFormat selects how the wrapping key is derived from a PIN.
type KeyFormat int

const (
	// FormatV1 derives the wrapping key from the PIN alone.
	FormatV1 KeyFormat = iota + 1
	// FormatV2 mixes the owner id into the derivation.
	FormatV2
)

const v2Suffix = "_v2"

func (f KeyFormat) String() string {
	switch f {
	case FormatV1:
		return "v1"
	case FormatV2:
		return "v2"
	default:
		return "unknown"
	}
}

// WrappedKey is a decoded PIN-wrapped private key.
type WrappedKey struct {
	Format KeyFormat
	Data   []byte
}

// ParseWrappedKey detects the key format and decodes the base64 body.
func ParseWrappedKey(encoded string) (WrappedKey, error) {
	format := FormatV1
	body := encoded
	if strings.HasSuffix(encoded, v2Suffix) {
		format = FormatV2
		body = strings.TrimSuffix(encoded, v2Suffix)
	}

	data, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return WrappedKey{}, fmt.Errorf("%w: %v", ErrBadKeyFormat, err)
	}
	if len(data) == 0 {
		return WrappedKey{}, fmt.Errorf("%w: empty key", ErrBadKeyFormat)
	}
	return WrappedKey{Format: format, Data: data}, nil
}

// Encode renders the key in its wire form.
func (w WrappedKey) Encode() string {
	encoded := base64.StdEncoding.EncodeToString(w.Data)
	if w.Format == FormatV2 {
		encoded += v2Suffix
	}
	return encoded
}

// DeriveKey returns the 256-bit AES key for a PIN.
func DeriveKey(format KeyFormat, pin, ownerID string) []byte {
	material := pin
	if format == FormatV2 {
		material += ownerID
	}
	sum := sha256.Sum256([]byte(material))
	return sum[:]
}

// WrapKey encrypts plaintext with AES-CBC and PKCS#5 padding.
func WrapKey(key, iv, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("wrap key: %w", err)
	}
	if len(iv) != block.BlockSize() {
		return nil, fmt.Errorf("wrap key: iv must be %d bytes", block.BlockSize())
	}

	padded := pad(plaintext, block.BlockSize())
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out, nil
}

// UnwrapKey reverses WrapKey. Any structural or padding failure is ErrUnwrap.
func UnwrapKey(key, iv, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnwrap, err)
	}
	size := block.BlockSize()
	if len(iv) != size {
		return nil, fmt.Errorf("%w: iv must be %d bytes", ErrUnwrap, size)
	}
	if len(ciphertext) == 0 || len(ciphertext)%size != 0 {
		return nil, fmt.Errorf("%w: ciphertext is not a whole number of blocks", ErrUnwrap)
	}

	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ciphertext)
	return unpad(out, size)
}

func pad(data []byte, size int) []byte {
	n := size - len(data)%size
	return append(bytes.Clone(data), bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(data []byte, size int) ([]byte, error) {
	n := int(data[len(data)-1])
	if n == 0 || n > size || n > len(data) {
		return nil, fmt.Errorf("%w: bad padding", ErrUnwrap)
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("%w: bad padding", ErrUnwrap)
		}
	}
	return data[:len(data)-n], nil
}
