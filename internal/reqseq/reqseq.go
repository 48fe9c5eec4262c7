// Package reqseq guards against applying stale responses: each request takes
// a token, and only the holder of the latest token may apply its result.
package reqseq

import (
	"errors"
	"sync/atomic"
)

// ErrStale is returned by callers that drop a response whose token is no
// longer current.
var ErrStale = errors.New("stale response discarded")

// Token identifies one issued request.
type Token uint64

// Sequencer issues monotonically increasing tokens. The zero value is ready
// to use.
type Sequencer struct {
	latest atomic.Uint64
}

// Next issues a new token, superseding every earlier one.
func (s *Sequencer) Next() Token { return Token(s.latest.Add(1)) }

// Current reports whether t is still the latest token.
func (s *Sequencer) Current(t Token) bool { return s.latest.Load() == uint64(t) }

// Invalidate supersedes every outstanding token without issuing a new one.
func (s *Sequencer) Invalidate() { s.latest.Add(1) }
