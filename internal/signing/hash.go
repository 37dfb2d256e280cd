package signing

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/gowebpki/jcs"
)

// Поля события, входящие в канонический хэш. Остальные поля игнорируются.
var hashedFields = []string{"id", "name", "source", "payload", "at", "correlation_id"}

// ErrUnsafeInteger — целое вне ±(2^53-1): JCS прочитал бы его как округленный double
var ErrUnsafeInteger = errors.New("integer outside IEEE 754 safe range")

var maxSafeInteger = big.NewInt(1<<53 - 1)

// Event — типизированная форма события для хэширования
type Event struct {
	ID            string    `json:"id,omitempty"`
	Name          string    `json:"name,omitempty"`
	Source        string    `json:"source,omitempty"`
	Payload       any       `json:"payload,omitempty"`
	At            time.Time `json:"at,omitzero"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// ComputeEventHash — SHA-256 от RFC 8785 (JCS) формы выбранных полей события.
// Принимает map[string]any, json.RawMessage или любую структуру (через ее JSON-форму).
// Отсутствующие поля опускаются. Целое вне ±(2^53-1) в выбранных полях: ErrUnsafeInteger.
func ComputeEventHash(event any) ([]byte, error) {
	fields, err := toFieldMap(event)
	if err != nil {
		return nil, err
	}

	selected := make(map[string]any, len(hashedFields))
	for _, name := range hashedFields {
		if v, ok := fields[name]; ok {
			if err := checkSafeNumbers(name, v); err != nil {
				return nil, err
			}
			selected[name] = v
		}
	}

	raw, err := json.Marshal(selected)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize event: %w", err)
	}

	sum := sha256.Sum256(canonical)
	return sum[:], nil
}

// toFieldMap всегда проходит через JSON с UseNumber: числа остаются в исходной записи
func toFieldMap(event any) (map[string]any, error) {
	raw, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("event is not an object: %w", err)
	}
	if m == nil {
		return nil, errors.New("event is not an object")
	}
	return m, nil
}

func checkSafeNumbers(path string, v any) error {
	switch t := v.(type) {
	case json.Number:
		r, ok := new(big.Rat).SetString(t.String())
		if !ok {
			return fmt.Errorf("%s: bad number %q", path, t)
		}
		if r.IsInt() && new(big.Int).Abs(r.Num()).Cmp(maxSafeInteger) > 0 {
			return fmt.Errorf("%s = %s: %w", path, t, ErrUnsafeInteger)
		}
	case map[string]any:
		for k, child := range t {
			if err := checkSafeNumbers(path+"."+k, child); err != nil {
				return err
			}
		}
	case []any:
		for i, child := range t {
			if err := checkSafeNumbers(fmt.Sprintf("%s[%d]", path, i), child); err != nil {
				return err
			}
		}
	}
	return nil
}
