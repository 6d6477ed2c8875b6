package connectors

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// InvokeMethod: полный путь метода сервиса исполнения capability.
// Запрос и ответ: google.protobuf.Struct, поэтому сгенерированный клиент не нужен.
const InvokeMethod = "/agentledger.connector.v1.CapabilityService/Invoke"

const (
	defaultCallTimeout = 15 * time.Second
	defaultRetryAfter  = time.Second
	retryAfterKey      = "retry-after"
)

// GRPCAdapter вызывает внешний коннектор по gRPC.
type GRPCAdapter struct {
	conn    grpc.ClientConnInterface
	timeout time.Duration
}

// NewGRPCAdapter создает экземпляр адаптера
func NewGRPCAdapter(conn grpc.ClientConnInterface) *GRPCAdapter {
	return &GRPCAdapter{conn: conn, timeout: defaultCallTimeout}
}

// Dial открывает соединение с коннектором (без TLS, для внутренней сети).
func Dial(addr string) (*grpc.ClientConn, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("connector: failed to dial %s: %w", addr, err)
	}
	return conn, nil
}

func (a *GRPCAdapter) Invoke(ctx context.Context, capabilityID string, payload []byte) ([]byte, error) {
	// 1. Конвертируем JSON-байты в Protobuf Struct
	args := map[string]interface{}{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &args); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
		}
	}
	req, err := structpb.NewStruct(map[string]interface{}{
		"capability_id": capabilityID,
		"payload":       args,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create proto struct: %w", err)
	}

	// 2. Защитный таймаут на уровне вызова
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	// 3. Выполняем gRPC вызов к коннектору
	resp := &structpb.Struct{}
	var trailer metadata.MD
	if err := a.conn.Invoke(ctx, InvokeMethod, req, resp, grpc.Trailer(&trailer)); err != nil {
		return nil, classify(err, trailer)
	}

	// 4. Маршалим результат обратно в JSON
	out, err := protojson.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return out, nil
}

// classify превращает статус gRPC в ошибки, понятные ReliabilityWrapper.
func classify(err error, trailer metadata.MD) error {
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("connector call failed: %w", err)
	}
	switch st.Code() {
	case codes.ResourceExhausted:
		return &ThrottleError{RetryAfter: retryAfter(trailer), Cause: err}
	case codes.Unimplemented, codes.NotFound:
		return fmt.Errorf("%w: %s", ErrUnsupportedCapability, st.Message())
	}
	return fmt.Errorf("connector call failed: %w", err)
}

// retryAfter читает подсказку сервера в секундах.
func retryAfter(md metadata.MD) time.Duration {
	if v := md.Get(retryAfterKey); len(v) > 0 {
		if secs, err := strconv.Atoi(v[0]); err == nil && secs >= 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultRetryAfter
}
