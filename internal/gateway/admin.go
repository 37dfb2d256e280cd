package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-verdict-kernel/internal/constraint"
	"github.com/xela07ax/spaceai-verdict-kernel/internal/infra"
	"github.com/xela07ax/spaceai-verdict-kernel/internal/policy"
	"github.com/xela07ax/spaceai-verdict-kernel/internal/repository/postgres"
)

// PolicyStore описывает требования сервиса к хранилищу политик
type PolicyStore interface {
	GetAllPolicies(ctx context.Context) ([]policy.Document, error)
	GetPolicyByID(ctx context.Context, id string) (*policy.Document, error)
	UpsertPolicy(ctx context.Context, doc policy.Document) error
	DeletePolicy(ctx context.Context, id string) error
}

type Refresher interface {
	Refresh(ctx context.Context) error
}

// PolicyService сохраняет документы и рассылает сигнал обновления кэшей
type PolicyService struct {
	repo  PolicyStore
	rdb   *redis.Client
	local Refresher // без Redis обновляем только свой кэш
	preds constraint.Predicates
}

func NewPolicyService(repo PolicyStore, rdb *redis.Client, local Refresher, preds constraint.Predicates) *PolicyService {
	return &PolicyService{repo: repo, rdb: rdb, local: local, preds: preds}
}

func (s *PolicyService) GetAll(ctx context.Context) ([]policy.Document, error) {
	return s.repo.GetAllPolicies(ctx)
}

func (s *PolicyService) GetByID(ctx context.Context, id string) (*policy.Document, error) {
	return s.repo.GetPolicyByID(ctx, id)
}

// Put проверяет, что документ компилируется, сохраняет его и уведомляет инстансы
func (s *PolicyService) Put(ctx context.Context, id string, doc policy.Document) error {
	doc.ID = id
	if _, err := doc.Compile(s.preds); err != nil {
		return err
	}
	if err := s.repo.UpsertPolicy(ctx, doc); err != nil {
		return err
	}
	return s.notifyUpdate(ctx)
}

// Delete удаляет политику и инициирует инвалидацию кэша
func (s *PolicyService) Delete(ctx context.Context, id string) error {
	if err := s.repo.DeletePolicy(ctx, id); err != nil {
		return err
	}
	return s.notifyUpdate(ctx)
}

// notifyUpdate отправляет широковещательный сигнал в Redis.
// Все инстансы, подписанные на канал, вызовут Refresh() своего Registry (включая этот).
func (s *PolicyService) notifyUpdate(ctx context.Context) error {
	if s.rdb != nil {
		if err := s.rdb.Publish(ctx, infra.RedisChanPolicyRefresh, "refresh").Err(); err != nil {
			return fmt.Errorf("publish refresh: %w", err)
		}
		return nil
	}
	if s.local != nil {
		return s.local.Refresh(ctx)
	}
	return nil
}

type PolicyHandler struct {
	service *PolicyService
	logger  *zap.Logger
}

func NewPolicyHandler(s *PolicyService, logger *zap.Logger) *PolicyHandler {
	return &PolicyHandler{service: s, logger: logger}
}

// List возвращает все документы политик.
// GET /admin/policies
func (h *PolicyHandler) List(w http.ResponseWriter, r *http.Request) {
	docs, err := h.service.GetAll(r.Context())
	if err != nil {
		h.logger.Error("list policies failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to fetch policies")
		return
	}
	if docs == nil {
		docs = []policy.Document{}
	}
	writeJSON(w, http.StatusOK, docs)
}

// Get возвращает документ политики по ID.
// GET /admin/policies/{id}
func (h *PolicyHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	doc, err := h.service.GetByID(r.Context(), id)
	if err != nil {
		h.logger.Error("get policy failed", zap.String("policy_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to retrieve policy")
		return
	}
	// Если политика не найдена (nil), возвращаем 404
	if doc == nil {
		writeError(w, http.StatusNotFound, "not_found", "policy not found")
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// Put создает или заменяет политику. Документ, который не компилируется, не сохраняется.
// PUT /admin/policies/{id}
func (h *PolicyHandler) Put(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var doc policy.Document
	if !decodeBody(w, r, &doc) {
		return
	}

	if err := h.service.Put(r.Context(), id, doc); err != nil {
		if errors.Is(err, policy.ErrInvalidPolicy) {
			writeError(w, http.StatusBadRequest, "invalid_policy", err.Error())
			return
		}
		h.logger.Error("put policy failed", zap.String("policy_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to store policy")
		return
	}
	h.logger.Info("policy stored", zap.String("policy_id", id), zap.String("type", doc.Type))
	w.WriteHeader(http.StatusNoContent)
}

// Delete удаляет политику.
// DELETE /admin/policies/{id}
func (h *PolicyHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.service.Delete(r.Context(), id); err != nil {
		if errors.Is(err, postgres.ErrPolicyNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "policy not found")
			return
		}
		h.logger.Error("delete policy failed", zap.String("policy_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to delete policy")
		return
	}
	h.logger.Info("policy deleted", zap.String("policy_id", id))
	w.WriteHeader(http.StatusNoContent)
}
