// Package vault decrypts credential bundles stored by the workspace
// application. Bundles are JSON objects sealed as Fernet tokens, so rows
// written by either side can be read by the other.
package vault

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/fernet/fernet-go"

	"github.com/vinayprograms/taskengine/errors"
)

// ErrNoKey is returned when the vault was built without any key.
var ErrNoKey = stderrors.New("vault: no encryption key configured")

// Vault seals and opens credential configs. The first key encrypts; all
// keys are tried on decrypt so old rows survive a key rotation.
type Vault struct {
	keys []*fernet.Key
}

// New parses one or more url-safe base64 Fernet keys. Keys may also be
// given as a single comma-separated string.
func New(keys ...string) (*Vault, error) {
	var parts []string
	for _, k := range keys {
		for _, p := range strings.Split(k, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
	}
	if len(parts) == 0 {
		return nil, ErrNoKey
	}
	parsed, err := fernet.DecodeKeys(parts...)
	if err != nil {
		return nil, fmt.Errorf("vault: decode key: %w", err)
	}
	return &Vault{keys: parsed}, nil
}

// GenerateKey returns a fresh encoded key for `taskengine vault-key` style setup.
func GenerateKey() (string, error) {
	var k fernet.Key
	if err := k.Generate(); err != nil {
		return "", err
	}
	return k.Encode(), nil
}

// Encrypt seals a config map.
func (v *Vault) Encrypt(config map[string]any) ([]byte, error) {
	if v == nil || len(v.keys) == 0 {
		return nil, ErrNoKey
	}
	plain, err := json.Marshal(config)
	if err != nil {
		return nil, fmt.Errorf("vault: encode config: %w", err)
	}
	return fernet.EncryptAndSign(plain, v.keys[0])
}

// Decrypt opens a sealed config. Tokens never expire.
func (v *Vault) Decrypt(token []byte) (map[string]any, error) {
	if v == nil || len(v.keys) == 0 {
		return nil, ErrNoKey
	}
	plain := fernet.VerifyAndDecrypt(token, 0, v.keys)
	if plain == nil {
		return nil, errors.FromCode(errors.ErrCodeDecryptFailed)
	}
	var config map[string]any
	if err := json.Unmarshal(plain, &config); err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrCodeDecryptFailed, "credential config is not a JSON object")
	}
	if config == nil {
		config = map[string]any{}
	}
	return config, nil
}

// DecryptString is Decrypt for configs held as text.
func (v *Vault) DecryptString(token string) (map[string]any, error) {
	return v.Decrypt([]byte(strings.TrimSpace(token)))
}
