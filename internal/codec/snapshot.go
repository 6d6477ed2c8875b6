// Package codec кодирует снапшоты агрегатов для внешних хранилищ.
//
// Формат записи: заголовок (magic "AGS", версия, формат тела, сжатие,
// размер несжатого тела, BLAKE2b-256 от несжатого тела) и тело.
// Заголовок самоописывающий: смена настроек кодека не ломает чтение старых снапшотов.
package codec

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/xela07ax/agentledger/internal/domain"
	"github.com/xela07ax/agentledger/internal/eventsource"
)

type Format byte

const (
	FormatJSON Format = 1
	FormatCBOR Format = 2
)

type Compression byte

const (
	CompressionNone Compression = 0
	CompressionZstd Compression = 1
)

const (
	frameVersion = 1
	headerSize   = 3 + 1 + 1 + 1 + 4 + blake2b.Size256

	// Верхняя граница несжатого тела, защита от мусора в заголовке.
	maxBodySize = 64 << 20
)

var magic = []byte("AGS")

var ErrChecksumMismatch = errors.New("snapshot checksum mismatch")

func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "json":
		return FormatJSON, nil
	case "cbor":
		return FormatCBOR, nil
	}
	return 0, fmt.Errorf("codec: unknown snapshot format %q", s)
}

func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return CompressionNone, nil
	case "zstd":
		return CompressionZstd, nil
	}
	return 0, fmt.Errorf("codec: unknown snapshot compression %q", s)
}

// snapshotRecord: внешнее представление снапшота.
type snapshotRecord struct {
	AggregateID string            `json:"aggregate_id"`
	Version     uint64            `json:"version"`
	Agent       domain.AgentState `json:"agent"`
	CreatedAt   time.Time         `json:"created_at"`
}

// SnapshotCodec безопасен для конкурентного использования.
type SnapshotCodec struct {
	format      Format
	compression Compression
}

func NewSnapshotCodec(format, compression string) (*SnapshotCodec, error) {
	f, err := ParseFormat(format)
	if err != nil {
		return nil, err
	}
	c, err := ParseCompression(compression)
	if err != nil {
		return nil, err
	}
	return &SnapshotCodec{format: f, compression: c}, nil
}

// Default: JSON без сжатия.
func Default() *SnapshotCodec {
	return &SnapshotCodec{format: FormatJSON, compression: CompressionNone}
}

func (c *SnapshotCodec) Encode(s eventsource.Snapshot) ([]byte, error) {
	rec := snapshotRecord{
		AggregateID: s.AggregateID.String(),
		Version:     s.Version,
		Agent:       s.Agent.State(),
		CreatedAt:   s.CreatedAt,
	}

	var (
		body []byte
		err  error
	)
	switch c.format {
	case FormatCBOR:
		body, err = marshalCBOR(rec)
	default:
		body, err = json.Marshal(rec)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: encode snapshot: %v", domain.ErrSerialization, err)
	}
	if len(body) > maxBodySize {
		return nil, fmt.Errorf("%w: snapshot body too large (%d bytes)", domain.ErrSerialization, len(body))
	}

	sum := blake2b.Sum256(body)
	stored := body
	if c.compression == CompressionZstd {
		stored = compressZstd(body)
	}

	out := make([]byte, headerSize, headerSize+len(stored))
	copy(out, magic)
	out[3] = frameVersion
	out[4] = byte(c.format)
	out[5] = byte(c.compression)
	binary.BigEndian.PutUint32(out[6:10], uint32(len(body)))
	copy(out[10:headerSize], sum[:])
	return append(out, stored...), nil
}

// Decode не зависит от настроек кодека: формат берется из заголовка.
func (c *SnapshotCodec) Decode(data []byte) (eventsource.Snapshot, error) {
	return Decode(data)
}

func Decode(data []byte) (eventsource.Snapshot, error) {
	if len(data) < headerSize || !bytes.Equal(data[:3], magic) {
		return eventsource.Snapshot{}, fmt.Errorf("%w: not a snapshot frame", domain.ErrSerialization)
	}
	if data[3] != frameVersion {
		return eventsource.Snapshot{}, fmt.Errorf("%w: unsupported snapshot frame version %d", domain.ErrSerialization, data[3])
	}
	format, compression := Format(data[4]), Compression(data[5])
	size := binary.BigEndian.Uint32(data[6:10])
	if size > maxBodySize {
		return eventsource.Snapshot{}, fmt.Errorf("%w: snapshot body too large (%d bytes)", domain.ErrSerialization, size)
	}
	stored := data[headerSize:]

	body := stored
	switch compression {
	case CompressionNone:
	case CompressionZstd:
		var err error
		body, err = decompressZstd(stored, int(size))
		if err != nil {
			return eventsource.Snapshot{}, fmt.Errorf("%w: %v", domain.ErrSerialization, err)
		}
	default:
		return eventsource.Snapshot{}, fmt.Errorf("%w: unknown compression %d", domain.ErrSerialization, compression)
	}

	sum := blake2b.Sum256(body)
	if len(body) != int(size) || !bytes.Equal(sum[:], data[10:headerSize]) {
		return eventsource.Snapshot{}, fmt.Errorf("%w: %w", domain.ErrSerialization, ErrChecksumMismatch)
	}

	var rec snapshotRecord
	var err error
	switch format {
	case FormatJSON:
		err = json.Unmarshal(body, &rec)
	case FormatCBOR:
		err = unmarshalCBOR(body, &rec)
	default:
		err = fmt.Errorf("unknown format %d", format)
	}
	if err != nil {
		return eventsource.Snapshot{}, fmt.Errorf("%w: decode snapshot: %v", domain.ErrSerialization, err)
	}

	id, err := domain.ParseAgentID(rec.AggregateID)
	if err != nil {
		return eventsource.Snapshot{}, fmt.Errorf("%w: %v", domain.ErrSerialization, err)
	}
	agent, err := domain.RestoreAgent(rec.Agent)
	if err != nil {
		return eventsource.Snapshot{}, err
	}
	return eventsource.Snapshot{
		AggregateID: id,
		Version:     rec.Version,
		Agent:       agent,
		CreatedAt:   rec.CreatedAt,
	}, nil
}
