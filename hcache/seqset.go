package hcache

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// FormatSeqSet encodes a set of message sequence numbers as a compact ASCII
// list, e.g. "1,3,5:9". Adjacent numbers are coalesced into lo:hi ranges and
// the output is monotonically non-decreasing.
func FormatSeqSet(nums []uint32) string {
	if len(nums) == 0 {
		return ""
	}
	l := append([]uint32{}, nums...)
	sort.Slice(l, func(i, j int) bool { return l[i] < l[j] })

	var b strings.Builder
	lo, hi := l[0], l[0]
	flush := func() {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		if lo == hi {
			fmt.Fprintf(&b, "%d", lo)
		} else {
			fmt.Fprintf(&b, "%d:%d", lo, hi)
		}
	}
	for _, n := range l[1:] {
		if n == hi || n == hi+1 {
			hi = n
			continue
		}
		flush()
		lo, hi = n, n
	}
	flush()
	return b.String()
}

// ParseSeqSet decodes a sequence-set string into its sorted members. Tokens
// are comma-separated, each a decimal or a lo:hi closed range.
func ParseSeqSet(s string) ([]uint32, error) {
	if s == "" {
		return nil, nil
	}
	seen := map[uint32]bool{}
	for _, tok := range strings.Split(s, ",") {
		lo, hi, ok := strings.Cut(tok, ":")
		first, err := strconv.ParseUint(lo, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("parsing seqset token %q: %v", tok, err)
		}
		last := first
		if ok {
			last, err = strconv.ParseUint(hi, 10, 32)
			if err != nil {
				return nil, fmt.Errorf("parsing seqset token %q: %v", tok, err)
			}
		}
		if last < first {
			return nil, fmt.Errorf("seqset range %q has hi below lo", tok)
		}
		for n := first; n <= last; n++ {
			seen[uint32(n)] = true
		}
	}
	l := make([]uint32, 0, len(seen))
	for n := range seen {
		l = append(l, n)
	}
	sort.Slice(l, func(i, j int) bool { return l[i] < l[j] })
	return l, nil
}
