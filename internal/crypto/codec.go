package crypto

import (
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/fernet/fernet-go"
)

// fernetKeySetting is the settings row holding the generated credential key.
const fernetKeySetting = "fernet_key"

// ErrInvalidToken is returned when an encoded credential cannot be decoded.
var ErrInvalidToken = errors.New("crypto: invalid credential token")

// Codec turns credentials into their at-rest form and back.
type Codec interface {
	Encode(plaintext string) (string, error)
	Decode(encoded string) (string, error)
}

// SettingStore persists the generated key.
type SettingStore interface {
	LookupSetting(key string) (value string, ok bool, err error)
	SetSetting(key, value string) error
}

// FernetCodec encrypts credentials with Fernet (AES-128-CBC + HMAC-SHA256).
// The first key encrypts; every key is tried when decrypting.
type FernetCodec struct {
	keys []*fernet.Key
}

// NewFernetCodec loads the key from store, generating and saving one on first
// use. A non-empty override becomes the primary key; the stored key stays
// available for decrypting older records.
func NewFernetCodec(store SettingStore, override string) (*FernetCodec, error) {
	var keys []*fernet.Key
	if override != "" {
		k, err := fernet.DecodeKey(override)
		if err != nil {
			return nil, fmt.Errorf("decode credential key: %w", err)
		}
		keys = append(keys, k)
	}

	stored, ok, err := store.LookupSetting(fernetKeySetting)
	if err != nil {
		return nil, fmt.Errorf("load fernet key: %w", err)
	}
	switch {
	case ok:
		k, err := fernet.DecodeKey(stored)
		if err != nil {
			return nil, fmt.Errorf("decode fernet key: %w", err)
		}
		keys = append(keys, k)
	case len(keys) == 0:
		var k fernet.Key
		if err := k.Generate(); err != nil {
			return nil, fmt.Errorf("generate fernet key: %w", err)
		}
		if err := store.SetSetting(fernetKeySetting, k.Encode()); err != nil {
			return nil, fmt.Errorf("save fernet key: %w", err)
		}
		keys = append(keys, &k)
	}

	return &FernetCodec{keys: keys}, nil
}

// NewFernetCodecWithKey builds a codec from an encoded key without touching storage.
func NewFernetCodecWithKey(encoded string) (*FernetCodec, error) {
	k, err := fernet.DecodeKey(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode credential key: %w", err)
	}
	return &FernetCodec{keys: []*fernet.Key{k}}, nil
}

func (c *FernetCodec) Encode(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	tok, err := fernet.EncryptAndSign([]byte(plaintext), c.keys[0])
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	return string(tok), nil
}

func (c *FernetCodec) Decode(encoded string) (string, error) {
	if encoded == "" {
		return "", nil
	}
	msg := fernet.VerifyAndDecrypt([]byte(encoded), 0*time.Second, c.keys)
	if msg == nil {
		return "", ErrInvalidToken
	}
	return string(msg), nil
}

// LegacyCodec is the reversible base64 encoding used by exported bundles.
// It provides no confidentiality and exists only for bundle compatibility.
type LegacyCodec struct{}

func (LegacyCodec) Encode(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	return base64.StdEncoding.EncodeToString([]byte(plaintext)), nil
}

func (LegacyCodec) Decode(encoded string) (string, error) {
	if encoded == "" {
		return "", nil
	}
	b, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return string(b), nil
}
