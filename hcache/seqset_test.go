package hcache

import (
	"reflect"
	"testing"
)

func TestSeqSet(t *testing.T) {
	check := func(nums []uint32, want string) {
		t.Helper()
		s := FormatSeqSet(nums)
		if s != want {
			t.Fatalf("got %q, expected %q", s, want)
		}
		back, err := ParseSeqSet(s)
		tcheck(t, err, "parsing seqset")
		sorted := append([]uint32{}, nums...)
		if len(sorted) == 0 {
			sorted = nil
		}
		if !reflect.DeepEqual(back, dedupeSorted(sorted)) {
			t.Fatalf("roundtrip %v -> %q -> %v", nums, s, back)
		}
	}
	check(nil, "")
	check([]uint32{5}, "5")
	check([]uint32{1, 2, 3}, "1:3")
	check([]uint32{3, 1, 2, 7, 9, 10}, "1:3,7,9:10")
	check([]uint32{4, 4, 5}, "4:5")

	for _, bad := range []string{"x", "1:", ":2", "5:3", "1,,2"} {
		if _, err := ParseSeqSet(bad); err == nil {
			t.Fatalf("%q accepted", bad)
		}
	}
}

func dedupeSorted(nums []uint32) []uint32 {
	if len(nums) == 0 {
		return nil
	}
	seen := map[uint32]bool{}
	var r []uint32
	for _, n := range nums {
		if !seen[n] {
			seen[n] = true
			r = append(r, n)
		}
	}
	for i := 0; i < len(r); i++ {
		for j := i + 1; j < len(r); j++ {
			if r[j] < r[i] {
				r[i], r[j] = r[j], r[i]
			}
		}
	}
	return r
}
