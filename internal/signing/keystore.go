package signing

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// KeyMaterial — одна пара ключей. Private не покидает пакет signing.
type KeyMaterial struct {
	KeyID     string
	Public    ed25519.PublicKey
	Private   ed25519.PrivateKey
	CreatedAt time.Time
}

// KeyStore — долговременное хранилище ключей
type KeyStore interface {
	Load() ([]KeyMaterial, error)
	Save(km KeyMaterial) error
	Delete(keyID string) error
}

const (
	keyFilePrefix = "key_"
	keyFileExt    = ".json"
)

// jwk — OKP/Ed25519 в формате RFC 8037
type jwk struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	D   string `json:"d,omitempty"`
}

type keyFile struct {
	Private   jwk       `json:"private"`
	Public    jwk       `json:"public"`
	CreatedAt time.Time `json:"created_at"`
}

// FileKeyStore хранит каждый ключ в отдельном файле <key_id>.json с правами 0600
type FileKeyStore struct {
	dir string
}

func NewFileKeyStore(dir string) (*FileKeyStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create key dir %s: %w", dir, err)
	}
	return &FileKeyStore{dir: dir}, nil
}

// Load читает все ключи, отсортированные по key_id (он же хронологический порядок)
func (s *FileKeyStore) Load() ([]KeyMaterial, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read key dir %s: %w", s.dir, err)
	}

	var keys []KeyMaterial
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, keyFilePrefix) || !strings.HasSuffix(name, keyFileExt) {
			continue
		}

		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			return nil, fmt.Errorf("read key file %s: %w", name, err)
		}
		km, err := decodeKeyFile(strings.TrimSuffix(name, keyFileExt), data)
		if err != nil {
			return nil, fmt.Errorf("parse key file %s: %w", name, err)
		}
		keys = append(keys, km)
	}

	sort.Slice(keys, func(i, j int) bool { return keys[i].KeyID < keys[j].KeyID })
	return keys, nil
}

// Save пишет ключ атомарно: временный файл, fsync, rename
func (s *FileKeyStore) Save(km KeyMaterial) error {
	data, err := encodeKeyFile(km)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, ".key-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp key file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // после успешного rename ничего не удалит

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod key file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write key file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync key file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close key file: %w", err)
	}

	if err := os.Rename(tmpName, s.path(km.KeyID)); err != nil {
		return fmt.Errorf("install key file: %w", err)
	}
	return nil
}

func (s *FileKeyStore) Delete(keyID string) error {
	if err := os.Remove(s.path(keyID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete key file %s: %w", keyID, err)
	}
	return nil
}

func (s *FileKeyStore) path(keyID string) string {
	return filepath.Join(s.dir, keyID+keyFileExt)
}

var b64 = base64.RawURLEncoding

func encodeKeyFile(km KeyMaterial) ([]byte, error) {
	x := b64.EncodeToString(km.Public)
	kf := keyFile{
		Private:   jwk{Kty: "OKP", Crv: "Ed25519", X: x, D: b64.EncodeToString(km.Private.Seed())},
		Public:    jwk{Kty: "OKP", Crv: "Ed25519", X: x},
		CreatedAt: km.CreatedAt.UTC(),
	}
	data, err := json.Marshal(kf)
	if err != nil {
		return nil, fmt.Errorf("encode key %s: %w", km.KeyID, err)
	}
	return data, nil
}

func decodeKeyFile(keyID string, data []byte) (KeyMaterial, error) {
	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return KeyMaterial{}, err
	}
	if kf.Private.Kty != "OKP" || kf.Private.Crv != "Ed25519" {
		return KeyMaterial{}, fmt.Errorf("unsupported key type %s/%s", kf.Private.Kty, kf.Private.Crv)
	}

	seed, err := b64.DecodeString(kf.Private.D)
	if err != nil || len(seed) != ed25519.SeedSize {
		return KeyMaterial{}, fmt.Errorf("invalid private key")
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)

	// Публичная часть в файле должна совпадать с выведенной из seed
	x, err := b64.DecodeString(kf.Public.X)
	if err != nil || !bytes.Equal(x, pub) {
		return KeyMaterial{}, fmt.Errorf("public key does not match private key")
	}

	return KeyMaterial{KeyID: keyID, Public: pub, Private: priv, CreatedAt: kf.CreatedAt}, nil
}
