package queue

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Default item naming: "queue-" followed by the ten digits ZooKeeper appends
// to sequential nodes.
const (
	DefaultPrefix = "queue-"
	DefaultWidth  = 10
)

// SequenceCodec owns the item name format and the ordering rule.
type SequenceCodec struct {
	// Prefix precedes the sequence digits in every item name.
	Prefix string

	// Width is the minimum number of digits. Wider suffixes are accepted.
	Width int
}

// DefaultCodec returns the codec for "queue-" + 10 digits.
func DefaultCodec() SequenceCodec {
	return SequenceCodec{Prefix: DefaultPrefix, Width: DefaultWidth}
}

// Parse extracts the order key from name. It reports false for names that
// are not queue items, such as nodes left by other tools.
func (c SequenceCodec) Parse(name string) (uint64, bool) {
	digits, ok := strings.CutPrefix(name, c.Prefix)
	if !ok || len(digits) < c.Width || len(digits) == 0 {
		return 0, false
	}
	for i := 0; i < len(digits); i++ {
		if digits[i] < '0' || digits[i] > '9' {
			return 0, false
		}
	}
	seq, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}

// Format renders seq as an item name.
func (c SequenceCodec) Format(seq uint64) string {
	return fmt.Sprintf("%s%0*d", c.Prefix, c.Width, seq)
}

// Sort drops non-item names and orders the rest by ascending sequence
// number. The input slice is not modified.
func (c SequenceCodec) Sort(names []string) []string {
	type entry struct {
		name string
		seq  uint64
	}

	entries := make([]entry, 0, len(names))
	for _, name := range names {
		if seq, ok := c.Parse(name); ok {
			entries = append(entries, entry{name: name, seq: seq})
		}
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].seq != entries[j].seq {
			return entries[i].seq < entries[j].seq
		}
		return entries[i].name < entries[j].name
	})

	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.name
	}
	return out
}
