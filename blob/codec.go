// Copyright 2026 The Quarry Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package blob

import (
	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/zstd"
)

// Codec is the pluggable payload transform applied before a blob's bytes
// reach the extents, and undone on load. The stored BlobState is oblivious
// to it: BlobSize is the size of the encoded payload.
type Codec interface {
	Name() string
	Compress(dst, src []byte) []byte
	Decompress(dst, src []byte) ([]byte, error)
}

// NoopCodec stores payloads verbatim. It is the default.
type NoopCodec struct{}

// Name implements Codec.
func (NoopCodec) Name() string { return "none" }

// Compress implements Codec.
func (NoopCodec) Compress(dst, src []byte) []byte { return append(dst[:0], src...) }

// Decompress implements Codec.
func (NoopCodec) Decompress(dst, src []byte) ([]byte, error) { return append(dst[:0], src...), nil }

// ZstdCodec compresses payloads with zstd at the default level.
type ZstdCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewZstdCodec returns a ready codec.
func NewZstdCodec() (*ZstdCodec, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, errors.Wrap(err, "blob: zstd encoder")
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, errors.Wrap(err, "blob: zstd decoder")
	}
	return &ZstdCodec{enc: enc, dec: dec}, nil
}

// Name implements Codec.
func (c *ZstdCodec) Name() string { return "zstd" }

// Compress implements Codec.
func (c *ZstdCodec) Compress(dst, src []byte) []byte {
	return c.enc.EncodeAll(src, dst[:0])
}

// Decompress implements Codec.
func (c *ZstdCodec) Decompress(dst, src []byte) ([]byte, error) {
	out, err := c.dec.DecodeAll(src, dst[:0])
	if err != nil {
		return nil, errors.Wrap(err, "blob: zstd decompress")
	}
	return out, nil
}
