// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package nodeset provides an ordered, deduplicated set of cluster
// node names, and conversions between the expanded form and the
// compact range notation used by batch schedulers
// ("node[1-4,7],login2").
package nodeset

import (
	"encoding/json"
	"sort"
	"strings"
)

// A NodeSet is an ordered collection of distinct node names.
//
// The zero value is an empty set. A NodeSet is never modified after
// it is constructed: operations return new sets, so NodeSets can be
// shared freely between goroutines.
type NodeSet struct {
	names []string
	index map[string]int
}

// New returns a NodeSet containing the given names, in the order
// given, with duplicates and empty strings removed.
func New(names ...string) NodeSet {
	ns := NodeSet{index: make(map[string]int, len(names))}
	for _, name := range names {
		if name == "" {
			continue
		}
		if _, dup := ns.index[name]; dup {
			continue
		}
		ns.index[name] = len(ns.names)
		ns.names = append(ns.names, name)
	}
	return ns
}

// Len returns the number of nodes in the set.
func (ns NodeSet) Len() int {
	return len(ns.names)
}

// Empty returns true if the set has no nodes.
func (ns NodeSet) Empty() bool {
	return len(ns.names) == 0
}

// Contains returns true if name is in the set.
func (ns NodeSet) Contains(name string) bool {
	_, ok := ns.index[name]
	return ok
}

// Slice returns a copy of the node names, in set order.
func (ns NodeSet) Slice() []string {
	return append([]string(nil), ns.names...)
}

// Sorted returns a copy of the node names in lexical order.
func (ns NodeSet) Sorted() []string {
	s := ns.Slice()
	sort.Strings(s)
	return s
}

// Union returns the nodes in ns followed by the nodes in other that
// are not already in ns.
func (ns NodeSet) Union(other NodeSet) NodeSet {
	return New(append(ns.Slice(), other.names...)...)
}

// Diff returns the nodes in ns that are not in other, preserving
// the order of ns.
func (ns NodeSet) Diff(other NodeSet) NodeSet {
	var keep []string
	for _, name := range ns.names {
		if !other.Contains(name) {
			keep = append(keep, name)
		}
	}
	return New(keep...)
}

// Intersect returns the nodes in ns that are also in other,
// preserving the order of ns.
func (ns NodeSet) Intersect(other NodeSet) NodeSet {
	var keep []string
	for _, name := range ns.names {
		if other.Contains(name) {
			keep = append(keep, name)
		}
	}
	return New(keep...)
}

// Equal returns true if ns and other contain the same nodes,
// regardless of order.
func (ns NodeSet) Equal(other NodeSet) bool {
	if ns.Len() != other.Len() {
		return false
	}
	for _, name := range ns.names {
		if !other.Contains(name) {
			return false
		}
	}
	return true
}

// String returns the node names joined with commas.
func (ns NodeSet) String() string {
	return strings.Join(ns.names, ",")
}

// MarshalJSON encodes the set as a JSON array of names.
func (ns NodeSet) MarshalJSON() ([]byte, error) {
	if ns.names == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(ns.names)
}

// UnmarshalJSON decodes a JSON array of names.
func (ns *NodeSet) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return err
	}
	*ns = New(names...)
	return nil
}
