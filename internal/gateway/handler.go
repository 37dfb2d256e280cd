package gateway

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-verdict-kernel/internal/policy"
	"github.com/xela07ax/spaceai-verdict-kernel/internal/signing"
)

// KeyService — то, что API нужно от сервиса подписи
type KeyService interface {
	SignEvent(hash []byte) (signing.Signature, error)
	VerifySignature(hash []byte, token, keyID string) error
	CurrentKeyID() string
	RetainedKeyIDs() []string
	RotateKeys() error
}

type DecisionHandler struct {
	core   *Core
	logger *zap.Logger
}

func NewDecisionHandler(core *Core, logger *zap.Logger) *DecisionHandler {
	return &DecisionHandler{core: core, logger: logger}
}

// Decide — решение scope-ядра.
// POST /v1/decide
func (h *DecisionHandler) Decide(w http.ResponseWriter, r *http.Request) {
	var req DecideRequest
	if !decodeBody(w, r, &req) {
		return
	}

	resp, err := h.core.Decide(r.Context(), req)
	if err != nil {
		if errors.Is(err, ErrAttestUnavailable) {
			writeError(w, http.StatusServiceUnavailable, "attest_unavailable", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "decision failed")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Evaluate — оценка именованных политик по типу запроса.
// POST /v1/evaluate
func (h *DecisionHandler) Evaluate(w http.ResponseWriter, r *http.Request) {
	var req policy.Request
	if !decodeBody(w, r, &req) {
		return
	}
	if req.PolicyType == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "policy_type is required")
		return
	}
	writeJSON(w, http.StatusOK, h.core.Evaluate(r.Context(), req))
}

// Check — проверка права "domain:resource:action".
// POST /v1/check
func (h *DecisionHandler) Check(w http.ResponseWriter, r *http.Request) {
	var req CheckRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Permission == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "permission is required")
		return
	}
	writeJSON(w, http.StatusOK, h.core.Check(r.Context(), req))
}

type SignRequest struct {
	Event map[string]any `json:"event"`
}

type SignResponse struct {
	Hash      string `json:"hash"`
	Signature string `json:"signature"`
	KeyID     string `json:"key_id"`
}

type VerifyRequest struct {
	Hash      string `json:"hash"`
	Signature string `json:"signature"`
	KeyID     string `json:"key_id"`
}

type VerifyResponse struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

type KeysResponse struct {
	KeyID    string   `json:"key_id"`
	Retained []string `json:"retained"`
}

type SigningHandler struct {
	keys   KeyService
	logger *zap.Logger
}

func NewSigningHandler(keys KeyService, logger *zap.Logger) *SigningHandler {
	return &SigningHandler{keys: keys, logger: logger}
}

// Sign хэширует событие канонически и подписывает хэш текущим ключом.
// POST /v1/events/sign
func (h *SigningHandler) Sign(w http.ResponseWriter, r *http.Request) {
	var req SignRequest
	if !decodeExactBody(w, r, &req) {
		return
	}
	if req.Event == nil {
		writeError(w, http.StatusBadRequest, "bad_request", "event is required")
		return
	}

	hash, err := signing.ComputeEventHash(req.Event)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	sig, err := h.keys.SignEvent(hash)
	if err != nil {
		h.logger.Error("sign event failed", zap.String("trace_id", TraceID(r.Context())), zap.Error(err))
		writeError(w, http.StatusInternalServerError, signing.ErrorCode(err), "signing failed")
		return
	}

	writeJSON(w, http.StatusOK, SignResponse{
		Hash:      hex.EncodeToString(hash),
		Signature: sig.Token,
		KeyID:     sig.KeyID,
	})
}

// Verify проверяет подпись. Невалидная подпись: 422 с кодом ошибки.
// POST /v1/events/verify
func (h *SigningHandler) Verify(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	hash, err := hex.DecodeString(req.Hash)
	if err != nil || len(hash) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "hash must be non-empty hex")
		return
	}

	if err := h.keys.VerifySignature(hash, req.Signature, req.KeyID); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, VerifyResponse{Error: signing.ErrorCode(err)})
		return
	}
	writeJSON(w, http.StatusOK, VerifyResponse{Valid: true})
}

// CurrentKey — GET /v1/keys/current
func (h *SigningHandler) CurrentKey(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, KeysResponse{KeyID: h.keys.CurrentKeyID(), Retained: h.keys.RetainedKeyIDs()})
}

// Rotate — внеплановая ротация. POST /v1/keys/rotate
func (h *SigningHandler) Rotate(w http.ResponseWriter, r *http.Request) {
	if err := h.keys.RotateKeys(); err != nil {
		h.logger.Error("manual rotation failed", zap.String("trace_id", TraceID(r.Context())), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "rotation_failed", "key rotation failed")
		return
	}
	h.logger.Info("keys rotated manually", zap.String("key_id", h.keys.CurrentKeyID()))
	writeJSON(w, http.StatusOK, KeysResponse{KeyID: h.keys.CurrentKeyID(), Retained: h.keys.RetainedKeyIDs()})
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: code, Message: msg})
}

const maxBodyBytes = 1 << 20

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	return decodeWith(w, r, dst, false)
}

// decodeExactBody сохраняет числа как json.Number: подписываемое событие хэшируется без округления
func decodeExactBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	return decodeWith(w, r, dst, true)
}

func decodeWith(w http.ResponseWriter, r *http.Request, dst any, exact bool) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if exact {
		dec.UseNumber()
	}
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return false
	}
	return true
}
