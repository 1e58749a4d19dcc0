// Package oracle drives a chosen-plaintext comparison oracle: it
// submits batches of candidate plaintexts through a Transport, reads
// back the ciphertexts the target produced, and scans them for an exact
// match against a target credential ciphertext.
package oracle

import (
	"context"
	"fmt"
)

// Handle is an opaque token pairing a submission with its retrieval.
// Its concrete type belongs to the Transport that issued it.
type Handle any

// Transport models the target's update-then-read cycle: Submit writes
// attacker-chosen bytes through the credential-update interface, and
// Retrieve reads back the ciphertext the target stored for that
// submission. The two are distinct round trips and may be pipelined
// across different handles.
type Transport interface {
	Submit(ctx context.Context, batch []byte) (Handle, error)
	Retrieve(ctx context.Context, h Handle) ([]byte, error)

	// CorruptingByteValues lists byte values this transport mangles in
	// flight (for a line-normalizing transport, 0x0A and 0x0D).
	// Candidates whose pad byte lands on one of these must be filtered
	// before submission.
	CorruptingByteValues() []byte

	// MaxRequestBytes is the ceiling on a single submission's payload.
	MaxRequestBytes() int
}

// TransportError reports a batch that failed after exhausting its
// retries. Batch identifies where a resumed run should pick up.
type TransportError struct {
	Batch    int
	Attempts int
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("oracle transport failed on batch %d after %d attempts: %v",
		e.Batch, e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Match is the outcome of a search. Found is false when the dictionary
// is exhausted without a hit, which is a normal result, not an error.
type Match struct {
	Found bool
	Index int
	Word  string
}

// Progress lets a caller persist per-batch state so an aborted run can
// resume. Cleared batches are skipped on the next run. Implementations
// must tolerate concurrent calls when the engine is pipelined.
type Progress interface {
	ShouldSkip(batch int) bool
	MarkCleared(batch int) error
}
