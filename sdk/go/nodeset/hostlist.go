// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package nodeset

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// MaxExpand is the largest number of names a single host list
// expression is allowed to expand to.
const MaxExpand = 1 << 20

// Expand parses a host list in bracket range notation, such as
// "rack1n[01-04,09],login[1-2]", and returns the expanded set.
//
// Items may be separated by commas or whitespace. Within a bracket,
// "lo-hi" ranges are zero-padded to the width of lo. A name may
// contain more than one bracket group, in which case all
// combinations are generated.
func Expand(spec string) (NodeSet, error) {
	var names []string
	for _, term := range splitTop(spec) {
		expanded, err := expandTerm(term)
		if err != nil {
			return NodeSet{}, fmt.Errorf("invalid host list %q: %w", spec, err)
		}
		names = append(names, expanded...)
		if len(names) > MaxExpand {
			return NodeSet{}, fmt.Errorf("invalid host list %q: expands to more than %d names", spec, MaxExpand)
		}
	}
	return New(names...), nil
}

// Compress returns the bracket range notation for ns. Expand(Compress(ns))
// always equals ns as a set.
//
// Names are grouped by their non-numeric prefix and the width of
// their trailing number. Groups appear in the order of their first
// member in ns; numbers within a group are sorted.
func Compress(ns NodeSet) string {
	type group struct {
		prefix string
		width  int
		nums   []uint64
	}
	var order []*group
	groups := map[string]*group{}
	for _, name := range ns.names {
		prefix, digits := splitTrailingDigits(name)
		if digits == "" {
			order = append(order, &group{prefix: name})
			continue
		}
		n, _ := strconv.ParseUint(digits, 10, 64)
		key := prefix + "\x00" + strconv.Itoa(len(digits))
		g, ok := groups[key]
		if !ok {
			g = &group{prefix: prefix, width: len(digits)}
			groups[key] = g
			order = append(order, g)
		}
		g.nums = append(g.nums, n)
	}

	var out []string
	for _, g := range order {
		switch len(g.nums) {
		case 0:
			out = append(out, g.prefix)
		case 1:
			out = append(out, g.prefix+pad(g.nums[0], g.width))
		default:
			sort.Slice(g.nums, func(i, j int) bool { return g.nums[i] < g.nums[j] })
			var ranges []string
			for i := 0; i < len(g.nums); {
				j := i
				for j+1 < len(g.nums) && g.nums[j+1] == g.nums[j]+1 {
					j++
				}
				if i == j {
					ranges = append(ranges, pad(g.nums[i], g.width))
				} else {
					ranges = append(ranges, pad(g.nums[i], g.width)+"-"+pad(g.nums[j], g.width))
				}
				i = j + 1
			}
			out = append(out, g.prefix+"["+strings.Join(ranges, ",")+"]")
		}
	}
	return strings.Join(out, ",")
}

// SplitList parses a plain host list separated by commas and/or
// whitespace, without interpreting brackets.
func SplitList(list string) NodeSet {
	return New(strings.FieldsFunc(list, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})...)
}

// splitTop splits spec on commas and whitespace that are not inside
// brackets.
func splitTop(spec string) []string {
	var terms []string
	depth, start := 0, 0
	for i, r := range spec {
		switch {
		case r == '[':
			depth++
		case r == ']':
			depth--
		case depth == 0 && (r == ',' || r == ' ' || r == '\t' || r == '\n'):
			if i > start {
				terms = append(terms, spec[start:i])
			}
			start = i + 1
		}
	}
	if start < len(spec) {
		terms = append(terms, spec[start:])
	}
	return terms
}

func expandTerm(term string) ([]string, error) {
	open := strings.IndexByte(term, '[')
	if open < 0 {
		if strings.IndexByte(term, ']') >= 0 {
			return nil, fmt.Errorf("unbalanced ']' in %q", term)
		}
		return []string{term}, nil
	}
	close := strings.IndexByte(term[open:], ']')
	if close < 0 {
		return nil, fmt.Errorf("unbalanced '[' in %q", term)
	}
	close += open
	prefix, body, rest := term[:open], term[open+1:close], term[close+1:]
	if strings.IndexByte(body, '[') >= 0 {
		return nil, fmt.Errorf("nested '[' in %q", term)
	}
	suffixes, err := expandTerm(rest)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, item := range strings.Split(body, ",") {
		lo, hi := item, item
		if dash := strings.IndexByte(item, '-'); dash >= 0 {
			lo, hi = item[:dash], item[dash+1:]
		}
		if !isDigits(lo) || !isDigits(hi) {
			return nil, fmt.Errorf("invalid range %q", item)
		}
		nlo, err := strconv.ParseUint(lo, 10, 64)
		if err != nil {
			return nil, err
		}
		nhi, err := strconv.ParseUint(hi, 10, 64)
		if err != nil {
			return nil, err
		}
		if nhi < nlo {
			return nil, fmt.Errorf("invalid range %q: end before start", item)
		}
		// count+1 names, each combined with every suffix. Compare
		// by division so huge ranges cannot overflow.
		count := nhi - nlo
		room := uint64(MaxExpand-len(out)) / uint64(len(suffixes))
		if count >= room {
			return nil, fmt.Errorf("range %q is too large", item)
		}
		for i := uint64(0); i <= count; i++ {
			for _, sfx := range suffixes {
				out = append(out, prefix+pad(nlo+i, len(lo))+sfx)
			}
		}
	}
	return out, nil
}

// splitTrailingDigits splits name into a prefix and a trailing run
// of decimal digits. Digit runs too long to fit in a uint64 are
// treated as part of the prefix.
func splitTrailingDigits(name string) (string, string) {
	i := len(name)
	for i > 0 && name[i-1] >= '0' && name[i-1] <= '9' {
		i--
	}
	if i == len(name) || len(name)-i > 18 {
		return name, ""
	}
	return name[:i], name[i:]
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func pad(n uint64, width int) string {
	return fmt.Sprintf("%0*d", width, n)
}
