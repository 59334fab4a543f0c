package jobdb

import (
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	// CompressionThreshold is the minimum payload size before compression is considered.
	// 2KB threshold - zstd overhead not worth it for smaller payloads.
	CompressionThreshold = 2048

	// MaxPayloadSize is the maximum allowed uncompressed payload size.
	MaxPayloadSize = 10 * 1024 * 1024 // 10MB

	// MaxDecompressedSize is the hard cap during decompression to prevent compression bombs.
	MaxDecompressedSize = 10 * 1024 * 1024 // 10MB

	digestSize = 32
)

// Envelope field numbers. The envelope is a protobuf message:
//
//	message PayloadEnvelope {
//	  uint32 encoding = 1;
//	  bytes  digest   = 2; // blake3-256 of the original payload
//	  uint64 size     = 3; // original payload length
//	  bytes  payload  = 4;
//	}
const (
	fieldEncoding protowire.Number = 1
	fieldDigest   protowire.Number = 2
	fieldSize     protowire.Number = 3
	fieldPayload  protowire.Number = 4
)

// payloadEncoding says how the envelope payload is stored.
type payloadEncoding uint32

const (
	encodingIdentity payloadEncoding = 0
	encodingZstd     payloadEncoding = 1
)

var (
	// ErrPayloadTooLarge is returned when payload exceeds MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("payload exceeds maximum size")

	// ErrDecompressionBomb is returned when decompressed size exceeds limit.
	ErrDecompressionBomb = errors.New("decompressed payload exceeds maximum size")

	// ErrCorrupted is returned when payload digest verification fails.
	ErrCorrupted = errors.New("payload digest mismatch")
)

// PayloadCodec encodes job invocation data with optional compression.
// Encoder and decoder are goroutine-safe and can be reused.
type PayloadCodec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	mu      sync.RWMutex
}

// NewPayloadCodec creates a new codec with pooled zstd encoder/decoder.
func NewPayloadCodec() (*PayloadCodec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxDecompressedSize))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &PayloadCodec{
		encoder: enc,
		decoder: dec,
	}, nil
}

// Close releases encoder/decoder resources.
func (c *PayloadCodec) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoder != nil {
		c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
}

// envelope is the decoded form of an encoded payload.
type envelope struct {
	encoding payloadEncoding
	digest   []byte
	size     uint64
	payload  []byte
}

func appendEnvelope(b []byte, env envelope) []byte {
	b = protowire.AppendTag(b, fieldEncoding, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(env.encoding))
	b = protowire.AppendTag(b, fieldDigest, protowire.BytesType)
	b = protowire.AppendBytes(b, env.digest)
	b = protowire.AppendTag(b, fieldSize, protowire.VarintType)
	b = protowire.AppendVarint(b, env.size)
	b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, env.payload)
	return b
}

// parseEnvelope decodes an envelope. Unknown fields are skipped.
func parseEnvelope(b []byte) (envelope, error) {
	var env envelope
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return envelope{}, fmt.Errorf("%w: %v", ErrCorrupted, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldEncoding && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			env.encoding = payloadEncoding(v) //nolint:gosec // unknown values are rejected by Decode
		case num == fieldSize && typ == protowire.VarintType:
			env.size, n = protowire.ConsumeVarint(b)
		case num == fieldDigest && typ == protowire.BytesType:
			env.digest, n = protowire.ConsumeBytes(b)
		case num == fieldPayload && typ == protowire.BytesType:
			env.payload, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return envelope{}, fmt.Errorf("%w: %v", ErrCorrupted, protowire.ParseError(n))
		}
		b = b[n:]
	}

	if len(env.digest) != digestSize {
		return envelope{}, ErrCorrupted
	}
	return env, nil
}

// Encode wraps data in an envelope carrying its blake3 digest and length,
// compressing it when that makes it smaller.
func (c *PayloadCodec) Encode(data []byte) ([]byte, error) {
	if len(data) > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}

	digest := blake3.Sum256(data)
	encoding := encodingIdentity
	payload := data

	if len(data) >= CompressionThreshold {
		c.mu.RLock()
		enc := c.encoder
		c.mu.RUnlock()

		if enc != nil {
			if compressed := enc.EncodeAll(data, nil); len(compressed) < len(data) {
				encoding = encodingZstd
				payload = compressed
			}
		}
	}

	return appendEnvelope(nil, envelope{
		encoding: encoding,
		digest:   digest[:],
		size:     uint64(len(data)),
		payload:  payload,
	}), nil
}

// Decode reverses Encode and verifies the digest.
func (c *PayloadCodec) Decode(data []byte) ([]byte, error) {
	env, err := parseEnvelope(data)
	if err != nil {
		return nil, err
	}
	if env.size > MaxDecompressedSize {
		return nil, ErrDecompressionBomb
	}

	var decoded []byte
	switch env.encoding {
	case encodingIdentity:
		decoded = make([]byte, len(env.payload))
		copy(decoded, env.payload)
	case encodingZstd:
		c.mu.RLock()
		dec := c.decoder
		c.mu.RUnlock()

		if dec == nil {
			return nil, errors.New("decoder not initialized")
		}

		decoded, err = dec.DecodeAll(env.payload, nil)
		if err != nil {
			if errors.Is(err, zstd.ErrDecoderSizeExceeded) {
				return nil, ErrDecompressionBomb
			}
			return nil, fmt.Errorf("decompressing payload: %w", err)
		}
		if len(decoded) > MaxDecompressedSize {
			return nil, ErrDecompressionBomb
		}
	default:
		return nil, fmt.Errorf("unsupported encoding: %d", env.encoding)
	}

	if uint64(len(decoded)) != env.size {
		return nil, ErrCorrupted
	}
	sum := blake3.Sum256(decoded)
	if string(sum[:]) != string(env.digest) {
		return nil, ErrCorrupted
	}
	return decoded, nil
}
