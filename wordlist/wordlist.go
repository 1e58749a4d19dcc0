// Package wordlist turns dictionary entries into oracle-ready candidate
// plaintexts, formatted byte-for-byte the way the target platform
// formats a secret before encrypting it.
package wordlist

import (
	"github.com/rs/zerolog/log"

	"github.com/credrake/credrake/keywrap"
)

// Candidate is one dictionary entry in wire format: word || marker ||
// padding, block-aligned. Index is the entry's position in the source
// dictionary and survives filtering and batching, since recovery works
// by positional correlation.
type Candidate struct {
	Index int
	Word  string
	Bytes []byte
}

// Options control candidate formatting and the transport-safety filter.
type Options struct {
	// BlockSize is the oracle's cipher block size.
	BlockSize int

	// ForbiddenPadBytes are pad values the transport corrupts in
	// flight (a line-normalizing transport mangles 0x0A and 0x0D).
	// Candidates whose pad byte lands on one of these are dropped.
	// This is transport property, supplied by the caller, never
	// assumed here.
	ForbiddenPadBytes []byte

	// MaxWordLen drops oversized dictionary entries that could never
	// fit the comparison target. Zero means no cutoff.
	MaxWordLen int
}

// Generate formats each word as a padded candidate and applies the
// batch-safety filter. Output order follows dictionary order.
func Generate(words []string, opts Options) []Candidate {
	forbidden := make(map[byte]bool, len(opts.ForbiddenPadBytes))
	for _, b := range opts.ForbiddenPadBytes {
		forbidden[b] = true
	}

	cands := make([]Candidate, 0, len(words))
	var droppedLen, droppedPad int
	for i, w := range words {
		if opts.MaxWordLen > 0 && len(w) > opts.MaxWordLen {
			droppedLen++
			continue
		}
		plain := append([]byte(w), keywrap.Magic...)
		padded := keywrap.Pad(plain, opts.BlockSize)
		if forbidden[padded[len(padded)-1]] {
			droppedPad++
			continue
		}
		cands = append(cands, Candidate{Index: i, Word: w, Bytes: padded})
	}

	if droppedLen+droppedPad > 0 {
		log.Debug().
			Int("oversized", droppedLen).
			Int("unsafe_padding", droppedPad).
			Int("kept", len(cands)).
			Msg("filtered dictionary entries")
	}
	return cands
}
