package strata

import (
	"encoding/binary"
	"io"
	"slices"

	"github.com/cockroachdb/pebble"
)

// The store uses pebble merge operands for the few cells with additive
// semantics: counter cells and reference-index counts sum, and the
// allocation cell keeps the maximum, so that concurrently committed
// batches cannot regress it. Everything else is plain last-write-wins
// rows and never merged.
type mergeOp byte

const (
	mergeSum mergeOp = iota
	mergeMax
)

func mergeOpForKey(key []byte) mergeOp {
	switch key[0] {
	case keyAlloc:
		return mergeMax
	default:
		return mergeSum
	}
}

type pebbleMergeAdaptor struct {
	op   mergeOp
	old  bool
	vals [][]byte
}

func merger(key, value []byte) (pebble.ValueMerger, error) {
	target := make([]byte, len(value))
	copy(target, value)
	return &pebbleMergeAdaptor{
		op:   mergeOpForKey(key),
		vals: [][]byte{target},
	}, nil
}

func (a *pebbleMergeAdaptor) MergeNewer(value []byte) error {
	target := make([]byte, len(value))
	copy(target, value)
	a.vals = append(a.vals, target)
	return nil
}

func (a *pebbleMergeAdaptor) MergeOlder(value []byte) error {
	target := make([]byte, len(value))
	copy(target, value)
	a.vals = append(a.vals, target)
	a.old = true
	return nil
}

func (a *pebbleMergeAdaptor) Finish(includesBase bool) ([]byte, io.Closer, error) {
	if a.old {
		slices.Reverse(a.vals)
	}
	var acc int64
	for _, v := range a.vals {
		n := cellInt64(v)
		switch a.op {
		case mergeSum:
			acc += n
		case mergeMax:
			if n > acc {
				acc = n
			}
		}
	}
	var out [8]byte
	binary.BigEndian.PutUint64(out[:], uint64(acc))
	return out[:], nil, nil
}

func cellInt64(v []byte) int64 {
	if len(v) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(v))
}

func cellBytes(n int64) []byte {
	var out [8]byte
	binary.BigEndian.PutUint64(out[:], uint64(n))
	return out[:]
}
