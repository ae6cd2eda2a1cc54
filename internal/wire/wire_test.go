// Copyright 2026 The Pollsock Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package wire

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestEncodeBatchEmpty(t *testing.T) {
	for _, batch := range [][]any{nil, {}} {
		got, err := EncodeBatch(batch)
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != "[]" {
			t.Errorf("EncodeBatch(%v) = %q, want %q", batch, got, "[]")
		}
	}
}

func TestBatchRoundTrip(t *testing.T) {
	in := []any{"a", float64(2), true, map[string]any{"k": "v"}, nil}
	data, err := EncodeBatch(in)
	if err != nil {
		t.Fatal(err)
	}
	out, err := DecodeBatch(data)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(in, out); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeBatchRejectsNonArrays(t *testing.T) {
	for _, body := range []string{"", "{", `{"not":"an array"}`} {
		if _, err := DecodeBatch([]byte(body)); err == nil {
			t.Errorf("DecodeBatch(%q) succeeded, want error", body)
		}
	}
}
