package imgcache

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the required length of a decoded encryption key.
const KeySize = 32

// NonceSize is the length of the nonce prefixed to every encrypted payload.
// Both supported AEADs use the standard 96-bit nonce.
const NonceSize = 12

const defaultCompressionLevel = 6

// defaultMaxDecodedSize bounds decompression output when no cap is configured.
const defaultMaxDecodedSize = 256 << 20

// errDecodedTooLarge is returned when a payload would decompress past the cap.
var errDecodedTooLarge = errors.New("decompressed payload exceeds size cap")

// Transform is the reversible at-rest pipeline: compress then encrypt on the
// way into the store, decrypt then decompress on the way out. Stages are
// resolved once at construction; a nil stage is disabled.
//
// A payload written under one configuration can only be read back under the
// same one. Nothing but the nonce is self-describing.
type Transform struct {
	comp compressor
	aead sealer
}

type compressor interface {
	name() string
	compress(src []byte) ([]byte, error)
	decompress(src []byte) ([]byte, error)
}

type sealer interface {
	name() string
	seal(plaintext []byte) ([]byte, error)
	open(payload []byte) ([]byte, error)
}

func NewTransform(cfg TransformConfig) (*Transform, error) {
	t := &Transform{}
	if cfg.Compression.Enabled {
		c, err := newCompressor(cfg.Compression)
		if err != nil {
			return nil, err
		}
		t.comp = c
	}
	if cfg.Encryption.Enabled {
		s, err := newSealer(cfg.Encryption)
		if err != nil {
			return nil, err
		}
		t.aead = s
	}
	return t, nil
}

// Enabled reports whether any stage is active.
func (t *Transform) Enabled() bool { return t != nil && (t.comp != nil || t.aead != nil) }

// String describes the active stages, e.g. "gzip(6)+aes-256-gcm". Never
// includes key material.
func (t *Transform) String() string {
	if !t.Enabled() {
		return "identity"
	}
	var parts []string
	if t.comp != nil {
		parts = append(parts, t.comp.name())
	}
	if t.aead != nil {
		parts = append(parts, t.aead.name())
	}
	return strings.Join(parts, "+")
}

func (t *Transform) ForStorage(data []byte) ([]byte, error) {
	if t == nil {
		return data, nil
	}
	out := data
	var err error
	if t.comp != nil {
		if out, err = t.comp.compress(out); err != nil {
			return nil, fmt.Errorf("compress: %w", err)
		}
	}
	if t.aead != nil {
		if out, err = t.aead.seal(out); err != nil {
			return nil, fmt.Errorf("encrypt: %w", err)
		}
	}
	return out, nil
}

func (t *Transform) ForRetrieval(data []byte) ([]byte, error) {
	if t == nil {
		return data, nil
	}
	out := data
	var err error
	if t.aead != nil {
		if out, err = t.aead.open(out); err != nil {
			return nil, fmt.Errorf("decrypt: %w", err)
		}
	}
	if t.comp != nil {
		if out, err = t.comp.decompress(out); err != nil {
			return nil, fmt.Errorf("decompress: %w", err)
		}
	}
	return out, nil
}

// ---- compression ----

func newCompressor(cfg CompressionConfig) (compressor, error) {
	level := defaultCompressionLevel
	if cfg.Level != nil {
		level = *cfg.Level
	}
	maxOut := cfg.maxDecoded
	if maxOut <= 0 {
		maxOut = defaultMaxDecodedSize
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Algorithm)) {
	case "", "gzip":
		if level < gzip.NoCompression || level > gzip.BestCompression {
			return nil, configError("gzip level %d out of range [%d, %d]", level, gzip.NoCompression, gzip.BestCompression)
		}
		return gzipCompressor{level: level, maxOut: maxOut}, nil
	case "zstd":
		if level < 1 || level > 22 {
			return nil, configError("zstd level %d out of range [1, 22]", level)
		}
		return newZstdCompressor(level, maxOut)
	case "lz4":
		return lz4Compressor{maxOut: maxOut}, nil
	default:
		return nil, wrapConfig(ErrUnsupportedAlgorithm, "compression algorithm %q", cfg.Algorithm)
	}
}

type gzipCompressor struct {
	level  int
	maxOut int64
}

func (g gzipCompressor) name() string { return fmt.Sprintf("gzip(%d)", g.level) }

func (g gzipCompressor) compress(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, g.level)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(src); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (g gzipCompressor) decompress(src []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	out, err := io.ReadAll(io.LimitReader(zr, g.maxOut+1))
	if err != nil {
		return nil, err
	}
	if int64(len(out)) > g.maxOut {
		return nil, errDecodedTooLarge
	}
	return out, nil
}

// zstd encoders and decoders are safe for concurrent use through the
// EncodeAll/DecodeAll API, so one of each is shared by all requests.
type zstdCompressor struct {
	level int
	enc   *zstd.Encoder
	dec   *zstd.Decoder
}

func newZstdCompressor(level int, maxOut int64) (*zstdCompressor, error) {
	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)),
		zstd.WithZeroFrames(true),
	)
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(uint64(maxOut)))
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &zstdCompressor{level: level, enc: enc, dec: dec}, nil
}

func (z *zstdCompressor) name() string { return fmt.Sprintf("zstd(%d)", z.level) }

func (z *zstdCompressor) compress(src []byte) ([]byte, error) {
	return z.enc.EncodeAll(src, nil), nil
}

func (z *zstdCompressor) decompress(src []byte) ([]byte, error) {
	out, err := z.dec.DecodeAll(src, nil)
	if errors.Is(err, zstd.ErrDecoderSizeExceeded) {
		return nil, errDecodedTooLarge
	}
	return out, err
}

// lz4 block layout: mode(1) || uvarint(uncompressed size) || block.
// Incompressible input is stored raw with mode lz4Raw.
const (
	lz4Raw   byte = 0
	lz4Block byte = 1
)

// lz4MaxRatio is the best expansion an lz4 block can achieve.
const lz4MaxRatio = 255

type lz4Compressor struct{ maxOut int64 }

func (lz4Compressor) name() string { return "lz4" }

func (lz4Compressor) compress(src []byte) ([]byte, error) {
	header := make([]byte, 1+binary.MaxVarintLen64)
	n := binary.PutUvarint(header[1:], uint64(len(src)))
	header = header[:1+n]
	if len(src) == 0 {
		header[0] = lz4Raw
		return header, nil
	}

	dst := make([]byte, lz4.CompressBlockBound(len(src)))
	written, err := lz4.CompressBlock(src, dst, nil)
	if err != nil {
		return nil, err
	}
	if written == 0 || written >= len(src) {
		header[0] = lz4Raw
		return append(header, src...), nil
	}
	header[0] = lz4Block
	return append(header, dst[:written]...), nil
}

func (l lz4Compressor) decompress(src []byte) ([]byte, error) {
	if len(src) < 2 {
		return nil, fmt.Errorf("lz4 payload is %d bytes, too short for header", len(src))
	}
	size, n := binary.Uvarint(src[1:])
	if n <= 0 {
		return nil, fmt.Errorf("lz4 payload has a malformed size header")
	}
	body := src[1+n:]
	switch src[0] {
	case lz4Raw:
		if uint64(len(body)) != size {
			return nil, fmt.Errorf("lz4 raw payload: got %d bytes, expected %d", len(body), size)
		}
		return body, nil
	case lz4Block:
		if size > uint64(l.maxOut) {
			return nil, errDecodedTooLarge
		}
		if size > uint64(len(body))*lz4MaxRatio {
			return nil, fmt.Errorf("lz4 payload claims %d bytes from a %d byte block", size, len(body))
		}
		out := make([]byte, size)
		read, err := lz4.UncompressBlock(body, out)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if uint64(read) != size {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, size)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("lz4 payload has unknown mode %d", src[0])
	}
}

// ---- encryption ----

// DecodeKey decodes a base64 encryption key and checks its length.
func DecodeKey(encoded string) ([]byte, error) {
	if strings.TrimSpace(encoded) == "" {
		return nil, configError("encryption is enabled but no key was provided")
	}
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, wrapConfig(err, "decode encryption key")
	}
	if len(key) != KeySize {
		return nil, configError("encryption key must be %d bytes, got %d", KeySize, len(key))
	}
	return key, nil
}

// GenerateKey returns a fresh random key, base64 encoded.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

func newSealer(cfg EncryptionConfig) (sealer, error) {
	algo := strings.ToLower(strings.TrimSpace(cfg.Algorithm))
	var build func(key []byte) (cipher.AEAD, error)
	switch algo {
	case "", "aes-256-gcm":
		algo = "aes-256-gcm"
		build = func(key []byte) (cipher.AEAD, error) {
			block, err := aes.NewCipher(key)
			if err != nil {
				return nil, err
			}
			return cipher.NewGCM(block)
		}
	case "chacha20-poly1305":
		build = chacha20poly1305.New
	default:
		return nil, wrapConfig(ErrUnsupportedAlgorithm, "encryption algorithm %q", cfg.Algorithm)
	}

	key, err := DecodeKey(string(cfg.Key))
	if err != nil {
		return nil, err
	}
	aead, err := build(key)
	if err != nil {
		return nil, wrapConfig(err, "init %s", algo)
	}
	if aead.NonceSize() != NonceSize {
		return nil, configError("%s nonce size is %d, expected %d", algo, aead.NonceSize(), NonceSize)
	}
	return aeadSealer{algo: algo, aead: aead}, nil
}

type aeadSealer struct {
	algo string
	aead cipher.AEAD
}

func (s aeadSealer) name() string { return s.algo }

// seal returns nonce || ciphertext+tag with a fresh random nonce per call.
func (s aeadSealer) seal(plaintext []byte) ([]byte, error) {
	out := make([]byte, NonceSize, NonceSize+len(plaintext)+s.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, out); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return s.aead.Seal(out, out[:NonceSize], plaintext, nil), nil
}

func (s aeadSealer) open(payload []byte) ([]byte, error) {
	if len(payload) < NonceSize {
		return nil, fmt.Errorf("%w: payload is %d bytes, shorter than the %d byte nonce",
			ErrAuthentication, len(payload), NonceSize)
	}
	plaintext, err := s.aead.Open(nil, payload[:NonceSize], payload[NonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	return plaintext, nil
}
