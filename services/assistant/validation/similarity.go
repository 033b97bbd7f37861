// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package validation

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Similarity computes a symmetric similarity score in [0, 1].
//
// Description:
//
//	The score is the greater of two ratios, both of the form 2·M / (len(a)+
//	len(b)) with lengths counted in runes:
//
//	  - sequence ratio: M is the number of characters shared in order,
//	    taken from a character-level diff of the two strings;
//	  - bag ratio: M is the size of the character multiset intersection,
//	    which recovers transposition typos ("Amysis" for "Amisys") that the
//	    ordered diff scores poorly.
//
//	Identical strings score 1.0; strings with no characters in common score
//	0.0. Comparison is case-insensitive.
//
// Thread Safety: Stateless. Safe for concurrent use.
func Similarity(a, b string) float64 {
	a = strings.ToLower(a)
	b = strings.ToLower(b)
	if a == b {
		return 1.0
	}
	ra := []rune(a)
	rb := []rune(b)
	if len(ra) == 0 || len(rb) == 0 {
		return 0.0
	}
	total := float64(len(ra) + len(rb))

	seq := 2.0 * float64(diffMatched(a, b)) / total
	bag := 2.0 * float64(bagMatched(ra, rb)) / total
	if bag > seq {
		return bag
	}
	return seq
}

// diffMatched counts the characters shared in order between a and b.
func diffMatched(a, b string) int {
	dmp := diffmatchpatch.New()
	matched := 0
	for _, d := range dmp.DiffMain(a, b, false) {
		if d.Type == diffmatchpatch.DiffEqual {
			matched += len([]rune(d.Text))
		}
	}
	return matched
}

// bagMatched counts the character multiset intersection of a and b.
func bagMatched(a, b []rune) int {
	counts := make(map[rune]int, len(a))
	for _, r := range a {
		counts[r]++
	}
	matched := 0
	for _, r := range b {
		if counts[r] > 0 {
			counts[r]--
			matched++
		}
	}
	return matched
}
