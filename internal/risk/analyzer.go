package risk

import (
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/xela07ax/agentledger/internal/domain"
)

// Ключи конфигурации capability, задающие динамический лимит
const (
	ConfigRiskField     = "risk_field"
	ConfigRiskThreshold = "risk_threshold"
)

var ErrThresholdExceeded = errors.New("risk threshold exceeded")

type Analyzer struct {
	logger *zap.Logger
}

func NewAnalyzer(logger *zap.Logger) *Analyzer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Analyzer{logger: logger.Named("analyzer")}
}

// Check сверяет числовое поле payload с порогом из конфигурации capability.
// Нет условия или оно битое: вызов пропускается как обычный.
func (a *Analyzer) Check(c domain.Capability, payload []byte) error {
	rawField, ok := c.Config[ConfigRiskField]
	if !ok {
		return nil
	}
	var field string
	if err := json.Unmarshal(rawField, &field); err != nil || field == "" {
		return nil
	}
	var threshold float64
	if err := json.Unmarshal(c.Config[ConfigRiskThreshold], &threshold); err != nil {
		a.logger.Warn("risk condition without numeric threshold",
			zap.String("capability_id", c.ID), zap.String("field", field))
		return nil
	}

	// Универсальный разбор payload для любого коннектора
	var request map[string]any
	if err := json.Unmarshal(payload, &request); err != nil {
		return nil
	}
	// В JSON числа всегда парсятся в float64
	val, ok := request[field].(float64)
	if !ok || val <= threshold {
		return nil
	}

	a.logger.Warn("risk threshold exceeded",
		zap.String("capability_id", c.ID),
		zap.String("field", field),
		zap.Float64("value", val),
		zap.Float64("threshold", threshold),
	)
	return fmt.Errorf("%w: %s=%v > %v", ErrThresholdExceeded, field, val, threshold)
}
