// Package ecies implements the elliptic curve integrated encryption scheme used for
// tag coordinates: ECDH on P-256, KDF2 with SHA-1, an XOR stream and an HMAC-SHA1 tag.
//
// A ciphertext is V || C || T where V is the uncompressed ephemeral public key,
// C the masked message and T the MAC over C and an empty encoding-vector length.
package ecies

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"crypto/x509"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	macKeySize = 16
	macSize    = sha1.Size
)

// ErrCiphertext is returned when a ciphertext is truncated or fails authentication.
var ErrCiphertext = errors.New("invalid ciphertext")

// Curve is the curve used for generated keys and accepted from peers.
func Curve() ecdh.Curve { return ecdh.P256() }

// ParsePrivateKey parses a PKCS#8 encoded P-256 private key.
func ParsePrivateKey(der []byte) (*ecdh.PrivateKey, error) {
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	var priv *ecdh.PrivateKey
	switch k := parsed.(type) {
	case *ecdsa.PrivateKey:
		if priv, err = k.ECDH(); err != nil {
			return nil, fmt.Errorf("convert private key: %w", err)
		}
	case *ecdh.PrivateKey:
		priv = k
	default:
		return nil, fmt.Errorf("parse private key: unsupported key type %T", parsed)
	}
	if priv.Curve() != Curve() {
		return nil, fmt.Errorf("parse private key: unsupported curve %v", priv.Curve())
	}
	return priv, nil
}

// ParsePublicKey parses a PKIX (SubjectPublicKeyInfo) encoded P-256 public key.
func ParsePublicKey(der []byte) (*ecdh.PublicKey, error) {
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	var pub *ecdh.PublicKey
	switch k := parsed.(type) {
	case *ecdsa.PublicKey:
		if pub, err = k.ECDH(); err != nil {
			return nil, fmt.Errorf("convert public key: %w", err)
		}
	case *ecdh.PublicKey:
		pub = k
	default:
		return nil, fmt.Errorf("parse public key: unsupported key type %T", parsed)
	}
	if pub.Curve() != Curve() {
		return nil, fmt.Errorf("parse public key: unsupported curve %v", pub.Curve())
	}
	return pub, nil
}

// GenerateKey creates a P-256 key and returns it with its PKCS#8 and PKIX encodings.
func GenerateKey() (priv *ecdsa.PrivateKey, privDER, pubDER []byte, err error) {
	priv, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("generate key: %w", err)
	}
	privDER, err = x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshal private key: %w", err)
	}
	pubDER, err = x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshal public key: %w", err)
	}
	return priv, privDER, pubDER, nil
}

// Encrypter encrypts messages to a single recipient public key.
type Encrypter struct {
	pub  *ecdh.PublicKey
	rand io.Reader
}

// NewEncrypter returns an Encrypter for pub.
func NewEncrypter(pub *ecdh.PublicKey) *Encrypter {
	return &Encrypter{pub: pub, rand: rand.Reader}
}

// Encrypt returns V || C || T for msg.
func (e *Encrypter) Encrypt(msg []byte) ([]byte, error) {
	ephemeral, err := e.pub.Curve().GenerateKey(e.rand)
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}
	return e.encryptWith(ephemeral, msg)
}

func (e *Encrypter) encryptWith(ephemeral *ecdh.PrivateKey, msg []byte) ([]byte, error) {
	z, err := ephemeral.ECDH(e.pub)
	if err != nil {
		return nil, fmt.Errorf("key agreement: %w", err)
	}

	v := ephemeral.PublicKey().Bytes()
	k1, k2 := deriveKeys(v, z, len(msg))

	out := make([]byte, 0, len(v)+len(msg)+macSize)
	out = append(out, v...)
	c := xor(msg, k1)
	out = append(out, c...)
	out = append(out, tag(k2, c)...)
	return out, nil
}

// Decrypter decrypts messages addressed to one private key.
type Decrypter struct {
	priv *ecdh.PrivateKey
}

// NewDecrypter returns a Decrypter for priv.
func NewDecrypter(priv *ecdh.PrivateKey) *Decrypter {
	return &Decrypter{priv: priv}
}

// PublicKey is the key messages for this Decrypter must be encrypted to.
func (d *Decrypter) PublicKey() *ecdh.PublicKey {
	return d.priv.PublicKey()
}

// Decrypt verifies and unmasks a V || C || T ciphertext.
func (d *Decrypter) Decrypt(ciphertext []byte) ([]byte, error) {
	vLen := len(d.priv.PublicKey().Bytes())
	if len(ciphertext) < vLen+macSize {
		return nil, fmt.Errorf("%w: %d bytes is too short", ErrCiphertext, len(ciphertext))
	}

	v := ciphertext[:vLen]
	c := ciphertext[vLen : len(ciphertext)-macSize]
	t := ciphertext[len(ciphertext)-macSize:]

	ephemeral, err := d.priv.Curve().NewPublicKey(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCiphertext, err)
	}
	z, err := d.priv.ECDH(ephemeral)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCiphertext, err)
	}

	k1, k2 := deriveKeys(v, z, len(c))
	if subtle.ConstantTimeCompare(t, tag(k2, c)) != 1 {
		return nil, fmt.Errorf("%w: mac mismatch", ErrCiphertext)
	}
	return xor(c, k1), nil
}

// deriveKeys expands V || Z into the MAC key followed by the stream key.
func deriveKeys(v, z []byte, msgLen int) (k1, k2 []byte) {
	secret := make([]byte, 0, len(v)+len(z))
	secret = append(secret, v...)
	secret = append(secret, z...)

	k := kdf2(secret, macKeySize+msgLen)
	return k[macKeySize:], k[:macKeySize]
}

// kdf2 is ISO-18033-2 KDF2 over SHA-1 with a counter starting at 1.
func kdf2(secret []byte, length int) []byte {
	out := make([]byte, 0, length+sha1.Size)
	var counter [4]byte
	for i := uint32(1); len(out) < length; i++ {
		binary.BigEndian.PutUint32(counter[:], i)
		h := sha1.New()
		h.Write(secret)
		h.Write(counter[:])
		out = h.Sum(out)
	}
	return out[:length]
}

func tag(key, c []byte) []byte {
	mac := hmac.New(sha1.New, key)
	mac.Write(c)
	// Bit length of the (absent) encoding vector.
	mac.Write(make([]byte, 8))
	return mac.Sum(nil)
}

func xor(a, b []byte) []byte {
	out := make([]byte, len(a))
	subtle.XORBytes(out, a, b)
	return out
}
