package audit

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-verdict-kernel/internal/domain"
	"github.com/xela07ax/spaceai-verdict-kernel/internal/signing"
)

var ErrHashMismatch = errors.New("record hash does not match its content")

// Signer — то, что нотариусу нужно от сервиса подписи
type Signer interface {
	SignEvent(hash []byte) (signing.Signature, error)
	VerifySignature(hash []byte, token, keyID string) error
}

// Notary заверяет разрешающие решения подписью и пишет все решения в журнал
type Notary struct {
	signer Signer
	trail  Auditor
	source string
	logger *zap.Logger
}

func NewNotary(signer Signer, trail Auditor, source string, logger *zap.Logger) *Notary {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notary{
		signer: signer,
		trail:  trail,
		source: source,
		logger: logger.Named("notary"),
	}
}

// Event — каноническое событие, хэш которого подписывается. Verify пересчитывает его из записи.
func (n *Notary) Event(rec Record) signing.Event {
	return signing.Event{
		ID:     rec.ID,
		Name:   "verdict." + string(rec.Verdict),
		Source: n.source,
		Payload: map[string]any{
			"actor_id": rec.ActorID,
			"tenant":   rec.Tenant,
			"domain":   rec.Domain,
			"resource": rec.Resource,
			"action":   rec.Action,
			"verdict":  string(rec.Verdict),
		},
		At:            rec.Timestamp,
		CorrelationID: rec.VerdictID,
	}
}

// Attest подписывает allow/allow_with и отправляет запись в журнал.
// Deny пишется без подписи. Ошибка подписи возвращается, запись уходит в журнал как UNSIGNED.
func (n *Notary) Attest(ctx context.Context, rec Record) (Record, error) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = Now()
	}
	if rec.Verdict == domain.VerdictDeny {
		rec.Status = StatusDenied
		n.trail.Log(rec)
		return rec, nil
	}

	// 1. Канонический хэш
	hash, err := signing.ComputeEventHash(n.Event(rec))
	if err != nil {
		return n.unsigned(rec, fmt.Errorf("%w: %v", signing.ErrSignatureFailed, err))
	}
	rec.EventHash = hex.EncodeToString(hash)

	// 2. Подпись текущим ключом
	sig, err := n.signer.SignEvent(hash)
	if err != nil {
		return n.unsigned(rec, err)
	}
	rec.Signature = sig.Token
	rec.KeyID = sig.KeyID
	rec.Status = StatusSigned

	n.trail.Log(rec)
	return rec, nil
}

func (n *Notary) unsigned(rec Record, err error) (Record, error) {
	rec.Status = StatusUnsigned
	rec.Error = signing.ErrorCode(err)
	n.logger.Error("verdict left unsigned",
		zap.String("id", rec.ID),
		zap.String("trace_id", rec.TraceID),
		zap.String("verdict_id", rec.VerdictID),
		zap.Error(err),
	)
	n.trail.Log(rec)
	return rec, err
}

// Verify пересчитывает хэш записи и проверяет ее подпись
func (n *Notary) Verify(rec Record) error {
	if rec.Status != StatusSigned {
		return fmt.Errorf("%w: record status %s", signing.ErrVerificationFailed, rec.Status)
	}

	hash, err := signing.ComputeEventHash(n.Event(rec))
	if err != nil {
		return fmt.Errorf("%w: %v", signing.ErrVerificationFailed, err)
	}
	if hex.EncodeToString(hash) != rec.EventHash {
		return ErrHashMismatch
	}
	return n.signer.VerifySignature(hash, rec.Signature, rec.KeyID)
}
