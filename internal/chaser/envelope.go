package chaser

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"utag/go-tag-server/internal/ecies"
	"utag/go-tag-server/internal/pin"
)

// ErrEnvelope is returned when the public key envelope cannot be opened.
var ErrEnvelope = errors.New("public key envelope")

// PublicKeyResponse is the body of GET /v2/pubkeys. The three fields are
// base64: an RSA-wrapped AES key, an RSA-wrapped IV and the AES-CBC encrypted
// JSON list of per-tag public keys.
type PublicKeyResponse struct {
	EncryptedSecretKey string `json:"encryptedSecretKey"`
	EncryptedIV        string `json:"encryptedIv"`
	EncryptedData      string `json:"encryptedData"`
}

type envelope struct {
	Items []envelopeItem `json:"items"`
}

type envelopeItem struct {
	PID               string `json:"pid"`
	Result            string `json:"result"`
	EncryptionEnabled bool   `json:"encryptionEnabled"`
	PubKey            string `json:"pubKey"`
}

// OpenEnvelope unwraps resp with the device's transport key and returns one
// encrypter per privacy id (URL-safe form) whose key is usable. Items that are
// not OK, not encryption enabled or carry a bad key are left out.
func OpenEnvelope(transport *rsa.PrivateKey, resp PublicKeyResponse) (map[string]*ecies.Encrypter, error) {
	secret, err := rsaUnwrap(transport, resp.EncryptedSecretKey)
	if err != nil {
		return nil, fmt.Errorf("%w: secret key: %v", ErrEnvelope, err)
	}
	iv, err := rsaUnwrap(transport, resp.EncryptedIV)
	if err != nil {
		return nil, fmt.Errorf("%w: iv: %v", ErrEnvelope, err)
	}

	data, err := base64.StdEncoding.DecodeString(resp.EncryptedData)
	if err != nil {
		return nil, fmt.Errorf("%w: data: %v", ErrEnvelope, err)
	}
	plain, err := pin.UnwrapKey(secret, iv, data)
	if err != nil {
		return nil, fmt.Errorf("%w: data: %v", ErrEnvelope, err)
	}

	var env envelope
	if err := json.Unmarshal(plain, &env); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrEnvelope, err)
	}

	encrypters := make(map[string]*ecies.Encrypter, len(env.Items))
	for _, item := range env.Items {
		if item.Result != "OK" || !item.EncryptionEnabled {
			continue
		}
		der, err := base64.StdEncoding.DecodeString(item.PubKey)
		if err != nil {
			continue
		}
		pub, err := ecies.ParsePublicKey(der)
		if err != nil {
			continue
		}
		encrypters[item.PID] = ecies.NewEncrypter(pub)
	}
	return encrypters, nil
}

func rsaUnwrap(key *rsa.PrivateKey, encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, err
	}
	return rsa.DecryptPKCS1v15(nil, key, raw)
}
