package keys

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"time"

	"utag/go-tag-server/internal/ecies"
	"utag/go-tag-server/internal/model"
	"utag/go-tag-server/internal/pin"
)

// PinState is the part of pin.Manager the factory needs.
type PinState interface {
	ClearPin(ctx context.Context) error
	CommitPending(ctx context.Context) error
}

// Factory builds decrypt operators from PIN-wrapped account keys.
type Factory struct {
	pins   PinState
	logger *slog.Logger
	rand   io.Reader
	now    func() time.Time
}

// NewFactory returns a Factory bound to pins.
func NewFactory(pins PinState, logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{pins: pins, logger: logger, rand: rand.Reader, now: time.Now}
}

// BuildDecryptCipher unwraps record's private key with pinValue. Any failure
// returns nil and clears the stored PIN; success commits a pending remember.
func (f *Factory) BuildDecryptCipher(ctx context.Context, pinValue string, record model.KeyPairRecord) *ecies.Decrypter {
	dec, err := f.unwrap(pinValue, record)
	if err != nil {
		f.logger.Info("key unwrap failed, clearing pin", "user", record.UserID, "error", err)
		if clearErr := f.pins.ClearPin(ctx); clearErr != nil {
			f.logger.Warn("failed to clear pin", "error", clearErr)
		}
		return nil
	}

	if err := f.pins.CommitPending(ctx); err != nil {
		f.logger.Warn("failed to persist pin", "error", err)
	}
	return dec
}

func (f *Factory) unwrap(pinValue string, record model.KeyPairRecord) (*ecies.Decrypter, error) {
	if pinValue == "" {
		return nil, fmt.Errorf("%w: empty pin", pin.ErrUnwrap)
	}

	wrapped, err := pin.ParseWrappedKey(record.PrivateKey)
	if err != nil {
		return nil, err
	}
	iv, err := base64.StdEncoding.DecodeString(record.IV)
	if err != nil {
		return nil, fmt.Errorf("%w: iv: %v", pin.ErrBadKeyFormat, err)
	}

	key := pin.DeriveKey(wrapped.Format, pinValue, record.UserID)
	der, err := pin.UnwrapKey(key, iv, wrapped.Data)
	if err != nil {
		return nil, err
	}

	priv, err := ecies.ParsePrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pin.ErrUnwrap, err)
	}
	dec := ecies.NewDecrypter(priv)

	// A record that names its public key must agree with what was unwrapped.
	if record.PublicKey != "" {
		pubDER, err := base64.StdEncoding.DecodeString(record.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("%w: public key: %v", pin.ErrBadKeyFormat, err)
		}
		pub, err := ecies.ParsePublicKey(pubDER)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", pin.ErrBadKeyFormat, err)
		}
		if !pub.Equal(dec.PublicKey()) {
			return nil, fmt.Errorf("%w: private key does not match public key", pin.ErrUnwrap)
		}
	}
	return dec, nil
}

// GenerateKeyPair creates a fresh account key pair wrapped with the v2 derivation.
func (f *Factory) GenerateKeyPair(pinValue, ownerID string) (model.KeyPairRecord, error) {
	if pinValue == "" {
		return model.KeyPairRecord{}, fmt.Errorf("generate key pair: empty pin")
	}

	_, privDER, pubDER, err := ecies.GenerateKey()
	if err != nil {
		return model.KeyPairRecord{}, err
	}

	iv := make([]byte, 16)
	if _, err := io.ReadFull(f.rand, iv); err != nil {
		return model.KeyPairRecord{}, fmt.Errorf("generate iv: %w", err)
	}

	wrappedData, err := pin.WrapKey(pin.DeriveKey(pin.FormatV2, pinValue, ownerID), iv, privDER)
	if err != nil {
		return model.KeyPairRecord{}, err
	}
	wrapped := pin.WrappedKey{Format: pin.FormatV2, Data: wrappedData}

	return model.KeyPairRecord{
		UserID:     ownerID,
		PrivateKey: wrapped.Encode(),
		PublicKey:  base64.StdEncoding.EncodeToString(pubDER),
		IV:         base64.StdEncoding.EncodeToString(iv),
		RegDate:    f.now().UTC().Format(model.RegDateLayout),
	}, nil
}

// EncrypterFor builds an encrypter for a record's public key.
func EncrypterFor(record model.KeyPairRecord) (*ecies.Encrypter, error) {
	der, err := base64.StdEncoding.DecodeString(record.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	pub, err := ecies.ParsePublicKey(der)
	if err != nil {
		return nil, err
	}
	return ecies.NewEncrypter(pub), nil
}
