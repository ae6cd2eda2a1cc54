// Copyright 2026 The Pollsock Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package wire is the JSON codec for protocol bodies.
//
// Every PATCH body and every flushed response body is a JSON array of
// opaque values; this package funnels all of that encoding through one
// place.
package wire

import "github.com/segmentio/encoding/json"

// EmptyBatch is the encoding of a batch with no messages.
var EmptyBatch = []byte("[]")

func Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// EncodeBatch encodes a message batch, treating a nil batch as empty.
func EncodeBatch(items []any) ([]byte, error) {
	if len(items) == 0 {
		return EmptyBatch, nil
	}
	return json.Marshal(items)
}

// DecodeBatch decodes a response or request body into a message batch.
func DecodeBatch(data []byte) ([]any, error) {
	var items []any
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, err
	}
	return items, nil
}
