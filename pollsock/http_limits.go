// Copyright 2026 The Pollsock Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package pollsock

import (
	"errors"
	"net/http"
)

// DefaultMaxBodyBytes is the default maximum size (in bytes) for PATCH
// request bodies. Poll bodies carry client message batches and are
// normally small; the limit keeps a misbehaving client from exhausting
// server memory.
const DefaultMaxBodyBytes int64 = 1_000_000

// effectiveMaxBodyBytes converts the configured MaxBodyBytes value to
// an effective limit:
//
//   - 0: use DefaultMaxBodyBytes
//   - negative: no limit
//   - positive: use the configured value
func effectiveMaxBodyBytes(maxBodyBytes int64) int64 {
	switch {
	case maxBodyBytes == 0:
		return DefaultMaxBodyBytes
	case maxBodyBytes < 0:
		return 0
	default:
		return maxBodyBytes
	}
}

func isMaxBytesError(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe)
}

func writeBodyTooLarge(w http.ResponseWriter) {
	// http.MaxBytesReader already asks for the connection to be closed
	// after the limit is exceeded; request closure here too so the
	// client's pool slot is released promptly.
	w.Header().Set("Connection", "close")
	http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
}
