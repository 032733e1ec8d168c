package keystore

import (
	"encoding/hex"
	"errors"
	"os"
	"strings"
)

// StaticKeyStore holds the audit signing keys in memory. Keys are identified
// so signatures written under a retired key stay verifiable after rotation.
type StaticKeyStore struct {
	keys        map[string][]byte
	activeKeyID string
}

// NewFromEnv builds a keystore from environment variables.
// AUDIT_SIGNING_KEYS format: "keyId:hex,keyId2:hex".
// AUDIT_ACTIVE_KEY_ID selects the key used for new signatures.
// AUDIT_SIGNING_KEY (plain string) is a single-key shorthand.
func NewFromEnv() (*StaticKeyStore, error) {
	keys := make(map[string][]byte)
	raw := os.Getenv("AUDIT_SIGNING_KEYS")
	if raw != "" {
		for _, p := range strings.Split(raw, ",") {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			parts := strings.SplitN(p, ":", 2)
			if len(parts) != 2 {
				return nil, errors.New("invalid AUDIT_SIGNING_KEYS format")
			}
			b, err := hex.DecodeString(parts[1])
			if err != nil {
				return nil, err
			}
			keys[parts[0]] = b
		}
	}

	active := os.Getenv("AUDIT_ACTIVE_KEY_ID")
	if single := os.Getenv("AUDIT_SIGNING_KEY"); single != "" && len(keys) == 0 {
		keys["default"] = []byte(single)
		active = "default"
	}
	if active == "" && len(keys) == 1 {
		for id := range keys {
			active = id
		}
	}

	return &StaticKeyStore{keys: keys, activeKeyID: active}, nil
}

// ActiveKey returns the key used for new signatures, or nil when signing is
// not configured.
func (s *StaticKeyStore) ActiveKey() []byte {
	if s.activeKeyID == "" {
		return nil
	}
	return s.keys[s.activeKeyID]
}

// Key returns a key by id, for verifying records signed before a rotation.
func (s *StaticKeyStore) Key(keyID string) ([]byte, error) {
	key, ok := s.keys[keyID]
	if !ok {
		return nil, errors.New("key not found")
	}
	return key, nil
}
