// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// CompressionCodec identifies the algorithm inside a
// FrameRecordCompressed payload. Values are wire constants.
type CompressionCodec uint8

const (
	// CompressionNone disables compression on the sending side.
	CompressionNone CompressionCodec = 0

	// CompressionLZ4 is LZ4 block mode. Cheapest to encode.
	CompressionLZ4 CompressionCodec = 1

	// CompressionZstd is zstd at the default level. Better ratios on
	// log text.
	CompressionZstd CompressionCodec = 2
)

// String returns the codec's name.
func (c CompressionCodec) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// ParseCompressionCodec parses a codec name as printed by String.
func ParseCompressionCodec(name string) (CompressionCodec, error) {
	switch name {
	case "none", "":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("unknown compression codec %q", name)
	}
}

// compressionThreshold is the smallest record payload worth
// compressing.
const compressionThreshold = 512

var errIncompressible = errors.New("payload is incompressible")

// zstd.Encoder and zstd.Decoder are safe for concurrent use, so one of
// each serves every connection.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("relay: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxFrameLength*4))
	if err != nil {
		panic("relay: zstd decoder initialization failed: " + err.Error())
	}
}

// compressPayload encodes payload as
// [1 byte codec][uvarint uncompressed length][compressed body].
// Returns errIncompressible when the result would not be smaller.
func compressPayload(codec CompressionCodec, payload []byte) ([]byte, error) {
	var body []byte
	switch codec {
	case CompressionLZ4:
		destination := make([]byte, lz4.CompressBlockBound(len(payload)))
		written, err := lz4.CompressBlock(payload, destination, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if written == 0 {
			return nil, errIncompressible
		}
		body = destination[:written]
	case CompressionZstd:
		body = zstdEncoder.EncodeAll(payload, nil)
	default:
		return nil, fmt.Errorf("unsupported compression codec %s", codec)
	}

	header := make([]byte, 1, 1+binary.MaxVarintLen64+len(body))
	header[0] = byte(codec)
	header = binary.AppendUvarint(header, uint64(len(payload)))
	if len(header)+len(body) >= len(payload) {
		return nil, errIncompressible
	}
	return append(header, body...), nil
}

// decompressPayload reverses compressPayload. A declared uncompressed
// length above maxLength is rejected before decoding.
func decompressPayload(compressed []byte, maxLength int) ([]byte, error) {
	if len(compressed) < 2 {
		return nil, fmt.Errorf("%w: compressed payload of %d bytes", ErrMalformedFrame, len(compressed))
	}
	codec := CompressionCodec(compressed[0])
	size, headerLength := binary.Uvarint(compressed[1:])
	if headerLength <= 0 {
		return nil, fmt.Errorf("%w: bad uncompressed length", ErrMalformedFrame)
	}
	if size > uint64(maxLength) {
		return nil, fmt.Errorf("%w: uncompressed record of %d bytes, limit %d", ErrFrameTooLarge, size, maxLength)
	}
	body := compressed[1+headerLength:]

	switch codec {
	case CompressionLZ4:
		destination := make([]byte, size)
		read, err := lz4.UncompressBlock(body, destination)
		if err != nil {
			return nil, fmt.Errorf("%w: lz4 decompress: %v", ErrMalformedFrame, err)
		}
		if uint64(read) != size {
			return nil, fmt.Errorf("%w: lz4 decompress: got %d bytes, expected %d", ErrMalformedFrame, read, size)
		}
		return destination, nil
	case CompressionZstd:
		result, err := zstdDecoder.DecodeAll(body, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("%w: zstd decompress: %v", ErrMalformedFrame, err)
		}
		if uint64(len(result)) != size {
			return nil, fmt.Errorf("%w: zstd decompress: got %d bytes, expected %d", ErrMalformedFrame, len(result), size)
		}
		return result, nil
	default:
		return nil, fmt.Errorf("%w: unknown compression codec %d", ErrMalformedFrame, uint8(codec))
	}
}

// recordFrame builds the frame for an encoded record payload,
// compressing it when allowed and worthwhile.
func recordFrame(payload []byte, codec CompressionCodec) Frame {
	if codec != CompressionNone && len(payload) > compressionThreshold {
		if compressed, err := compressPayload(codec, payload); err == nil {
			return Frame{Kind: FrameRecordCompressed, Payload: compressed}
		}
	}
	return Frame{Kind: FrameRecord, Payload: payload}
}
