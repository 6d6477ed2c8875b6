package connectors

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"
)

// MockConnector: коннектор для локального запуска без внешних систем.
type MockConnector struct {
	// MaxLatency > 0 включает имитацию задержки 0..MaxLatency
	MaxLatency time.Duration
}

func (c *MockConnector) Invoke(ctx context.Context, capabilityID string, payload []byte) ([]byte, error) {
	if c.MaxLatency > 0 {
		latency := time.Duration(rand.Int64N(int64(c.MaxLatency)))
		select {
		case <-time.After(latency):
			// Имитация работы
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	switch capabilityID {
	case "unstable.service":
		return nil, fmt.Errorf("service internal error")
	case "jira.ticket.delete":
		return []byte(`{"status": "deleted", "integration": "jira", "id": "DEV-101"}`), nil
	case "slack.message.send":
		return []byte(`{"status": "sent", "integration": "slack", "channel": "#general"}`), nil
	case "db.query.execute":
		return []byte(`{"status": "success", "rows_affected": 0, "data": [{"id": 1, "balance": 5000}]}`), nil
	case "crm.lead.create":
		return []byte(`{"status": "created", "lead_id": "L-990"}`), nil
	case "documents.summarize":
		return []byte(`{"status": "success", "summary": "", "input_bytes": ` + fmt.Sprint(len(payload)) + `}`), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedCapability, capabilityID)
}
