// Copyright 2026 The Pollsock Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package pollsock

import (
	"crypto/rand"
	"encoding/hex"
)

// newSessionID returns a fresh session identifier: 16 random bytes
// rendered as 32 lowercase hex characters.
func newSessionID() string {
	var b [16]byte
	rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
