// Package signing является единственным владельцем ключей подписи процесса: генерация, хранение, ротация,
// подпись и проверка канонических хэшей событий.
package signing

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-verdict-kernel/internal/telemetry"
)

var (
	ErrSignatureFailed    = errors.New("signature_failed")
	ErrVerificationFailed = errors.New("verification_failed")
	ErrUnknownKeyID       = errors.New("unknown_key_id")
	ErrPayloadMismatch    = errors.New("payload_mismatch")
	ErrInvalidSignature   = errors.New("invalid_signature")
)

// ErrorCode — машиночитаемый код ошибки подписи для ответов API и метрик
func ErrorCode(err error) string {
	if err == nil {
		return telemetry.ResultOK
	}
	for _, sentinel := range []error{ErrUnknownKeyID, ErrPayloadMismatch, ErrInvalidSignature, ErrSignatureFailed, ErrVerificationFailed} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return telemetry.ResultError
}

// Операции для телеметрии
const (
	opSign   = "sign"
	opVerify = "verify"
	opRotate = "rotate"
)

type Config struct {
	RotationWindow time.Duration // Возраст ключа, после которого он заменяется
	CheckInterval  time.Duration // Период проверки возраста
	Retained       int           // Сколько последних ключей хранится для проверки
}

func (c Config) withDefaults() Config {
	if c.RotationWindow <= 0 {
		c.RotationWindow = 30 * 24 * time.Hour
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = 24 * time.Hour
	}
	if c.Retained < 1 {
		c.Retained = 3
	}
	return c
}

// Signature — компактный JWS и ключ, которым он подписан. Сам токен ключ не идентифицирует.
type Signature struct {
	Token string `json:"signature"`
	KeyID string `json:"key_id"`
}

type eventClaims struct {
	Hash string `json:"sha256"`
	jwt.RegisteredClaims
}

// keyring — неизменяемый снимок. Ротация строит новый снимок и подменяет указатель.
type keyring struct {
	current KeyMaterial
	keys    map[string]KeyMaterial
	order   []string // по возрастанию key_id
}

func newKeyring(keys []KeyMaterial) *keyring {
	r := &keyring{keys: make(map[string]KeyMaterial, len(keys))}
	for _, k := range keys {
		r.keys[k.KeyID] = k
		r.order = append(r.order, k.KeyID)
	}
	r.current = keys[len(keys)-1]
	return r
}

// with возвращает новый снимок с добавленным ключом и список вытесненных key_id.
// Новый ключ всегда становится текущим и никогда не вытесняется.
func (r *keyring) with(km KeyMaterial, retained int) (*keyring, []string) {
	order := append(append([]string(nil), r.order...), km.KeyID)
	var evicted []string
	if len(order) > retained {
		evicted = order[:len(order)-retained]
		order = order[len(order)-retained:]
	}

	next := &keyring{current: km, keys: make(map[string]KeyMaterial, len(order)), order: order}
	for _, id := range order {
		if id == km.KeyID {
			next.keys[id] = km
			continue
		}
		next.keys[id] = r.keys[id]
	}
	return next, evicted
}

type Option func(*Service)

// WithClock подменяет часы (возраст ключа, key_id, iat)
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service — владелец ключей. Подпись и проверка идут под RLock по снимку,
// ротации сериализуются отдельным мьютексом и подменяют снимок только после записи на диск.
type Service struct {
	mu   sync.RWMutex
	ring *keyring

	rotateMu sync.Mutex
	lastNano int64 // последний выданный key_id, под rotateMu

	store    KeyStore
	cfg      Config
	observer telemetry.Observer
	logger   *zap.Logger
	now      func() time.Time
	resetCh  chan struct{}
}

// NewService загружает ключи из хранилища или создает первый. Любая ошибка хранилища фатальна:
// без долговременного ключа сервис не переходит в рабочее состояние.
func NewService(store KeyStore, cfg Config, observer telemetry.Observer, logger *zap.Logger, opts ...Option) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		store:    store,
		cfg:      cfg.withDefaults(),
		observer: telemetry.OrNop(observer),
		logger:   logger.Named("signing"),
		now:      time.Now,
		resetCh:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}

	keys, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("load signing keys: %w", err)
	}

	// 1. Пустое хранилище: генерируем и сохраняем первый ключ
	if len(keys) == 0 {
		km, err := s.generate()
		if err != nil {
			return nil, err
		}
		if err := store.Save(km); err != nil {
			return nil, fmt.Errorf("persist initial key: %w", err)
		}
		keys = []KeyMaterial{km}
		s.logger.Info("initial signing key generated", zap.String("key_id", km.KeyID))
	}

	// 2. Лишние старые ключи (например, после смены Retained) удаляем
	if len(keys) > s.cfg.Retained {
		stale := keys[:len(keys)-s.cfg.Retained]
		keys = keys[len(keys)-s.cfg.Retained:]
		s.deleteKeys(keyIDs(stale))
	}

	// 3. Восстанавливаем счетчик key_id, чтобы новые id были строго больше загруженных
	for _, k := range keys {
		nano, err := parseKeyID(k.KeyID)
		if err != nil {
			return nil, err
		}
		if nano > s.lastNano {
			s.lastNano = nano
		}
	}

	s.ring = newKeyring(keys)
	s.observer.KeyringChanged(s.ring.current.KeyID, len(s.ring.order))
	s.logger.Info("signing service ready",
		zap.String("current_key_id", s.ring.current.KeyID),
		zap.Int("retained", len(s.ring.order)),
	)
	return s, nil
}

func (s *Service) snapshot() *keyring {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ring
}

// CurrentKeyID — ключ, которым подписываются новые события
func (s *Service) CurrentKeyID() string {
	return s.snapshot().current.KeyID
}

// RetainedKeyIDs — key_id всех ключей, пригодных для проверки, по возрастанию
func (s *Service) RetainedKeyIDs() []string {
	return append([]string(nil), s.snapshot().order...)
}

// SignEvent подписывает хэш текущим ключом (EdDSA, компактный JWS)
func (s *Service) SignEvent(hash []byte) (Signature, error) {
	current := s.snapshot().current

	claims := eventClaims{
		Hash:             hex.EncodeToString(hash),
		RegisteredClaims: jwt.RegisteredClaims{IssuedAt: jwt.NewNumericDate(s.now())},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)

	signed, err := token.SignedString(current.Private)
	if err != nil {
		s.observer.SigningCompleted(opSign, ErrSignatureFailed.Error())
		return Signature{}, fmt.Errorf("%w: %v", ErrSignatureFailed, err)
	}

	s.observer.SigningCompleted(opSign, telemetry.ResultOK)
	return Signature{Token: signed, KeyID: current.KeyID}, nil
}

// VerifySignature проверяет подпись ключом keyID (текущим или одним из сохраненных)
// и сверяет подписанный хэш с переданным.
func (s *Service) VerifySignature(hash []byte, token, keyID string) error {
	err := s.verify(hash, token, keyID)
	s.observer.SigningCompleted(opVerify, ErrorCode(err))
	return err
}

func (s *Service) verify(hash []byte, token, keyID string) error {
	key, ok := s.snapshot().keys[keyID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKeyID, keyID)
	}

	var claims eventClaims
	_, err := jwt.ParseWithClaims(token, &claims,
		func(*jwt.Token) (any, error) { return key.Public, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenSignatureInvalid) {
			return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
		return fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}

	want := hex.EncodeToString(hash)
	if subtle.ConstantTimeCompare([]byte(claims.Hash), []byte(want)) != 1 {
		return ErrPayloadMismatch
	}
	return nil
}

// RotateKeys создает новый текущий ключ, сохраняет его и сокращает keyring до Retained последних.
// Параллельные вызовы выстраиваются в очередь.
func (s *Service) RotateKeys() error {
	s.rotateMu.Lock()
	defer s.rotateMu.Unlock()

	km, err := s.generate()
	if err != nil {
		s.observer.SigningCompleted(opRotate, telemetry.ResultError)
		return err
	}

	// 1. Сначала диск: до подмены снимка проверка идет по старому keyring
	if err := s.store.Save(km); err != nil {
		s.observer.SigningCompleted(opRotate, telemetry.ResultError)
		return fmt.Errorf("persist rotated key: %w", err)
	}

	// 2. Атомарная подмена снимка
	next, evicted := s.snapshot().with(km, s.cfg.Retained)
	s.mu.Lock()
	s.ring = next
	s.mu.Unlock()

	// 3. Вытесненные ключи больше не нужны и на диске
	s.deleteKeys(evicted)

	// 4. Ручная ротация сбрасывает таймер проверки
	select {
	case s.resetCh <- struct{}{}:
	default:
	}

	s.observer.SigningCompleted(opRotate, telemetry.ResultOK)
	s.observer.KeyringChanged(km.KeyID, len(next.order))
	s.logger.Info("signing key rotated",
		zap.String("key_id", km.KeyID),
		zap.Strings("evicted", evicted),
	)
	return nil
}

// CheckRotation ротирует ключ, если текущий старше RotationWindow. Возвращает true, если ротация была.
func (s *Service) CheckRotation() (bool, error) {
	age := s.now().Sub(s.snapshot().current.CreatedAt)
	if age <= s.cfg.RotationWindow {
		return false, nil
	}
	s.logger.Info("signing key expired", zap.Duration("age", age))
	if err := s.RotateKeys(); err != nil {
		return false, err
	}
	return true, nil
}

// Run — фоновая проверка возраста ключа каждые CheckInterval. Блокирует до отмены ctx.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.resetCh:
			ticker.Reset(s.cfg.CheckInterval)
		case <-ticker.C:
			if _, err := s.CheckRotation(); err != nil {
				s.logger.Error("automatic rotation failed", zap.Error(err))
			}
		}
	}
}

// generate создает ключ с key_id строго больше предыдущего. Вызывается под rotateMu или до старта.
func (s *Service) generate() (KeyMaterial, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyMaterial{}, fmt.Errorf("generate key: %w", err)
	}

	now := s.now()
	nano := now.UnixNano()
	if nano <= s.lastNano {
		nano = s.lastNano + 1
	}
	s.lastNano = nano

	return KeyMaterial{
		KeyID:     formatKeyID(nano),
		Public:    pub,
		Private:   priv,
		CreatedAt: now.UTC(),
	}, nil
}

func (s *Service) deleteKeys(ids []string) {
	for _, id := range ids {
		if err := s.store.Delete(id); err != nil {
			s.logger.Warn("failed to delete evicted key", zap.String("key_id", id), zap.Error(err))
		}
	}
}

// key_id = "key_" + наносекунды с нулями слева: строковый порядок совпадает с хронологическим
func formatKeyID(nano int64) string {
	return fmt.Sprintf("%s%020d", keyFilePrefix, nano)
}

func parseKeyID(id string) (int64, error) {
	nano, err := strconv.ParseInt(strings.TrimPrefix(id, keyFilePrefix), 10, 64)
	if err != nil || !strings.HasPrefix(id, keyFilePrefix) {
		return 0, fmt.Errorf("malformed key id %q", id)
	}
	return nano, nil
}

func keyIDs(keys []KeyMaterial) []string {
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, k.KeyID)
	}
	return ids
}
