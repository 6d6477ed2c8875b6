package audit

import (
	"time"

	"github.com/google/uuid"
)

// Итог выполнения команды над агрегатом
const (
	StatusOK       = "OK"
	StatusConflict = "CONFLICT" // проиграли гонку оптимистичной блокировки
	StatusRejected = "REJECTED" // недопустимый переход/невалидная команда
	StatusFailed   = "FAILED"   // сбой хранилища
)

// CommandRecord: запись аудита об одной команде, обращенной к агенту.
type CommandRecord struct {
	ID      uuid.UUID `json:"id"`
	TraceID string    `json:"trace_id"` // Сквозной ID запроса (X-Trace-ID)
	AgentID string    `json:"agent_id"`
	Command string    `json:"command"` // Например "activate", "grant_permissions"

	// Версия, которую ожидал клиент (If-Match); nil: без проверки
	ExpectedVersion *uint64 `json:"expected_version,omitempty"`
	// Версия агрегата после команды (или текущая при отказе)
	Version uint64 `json:"version"`

	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	Timestamp  time.Time `json:"timestamp"`
}
