// Package idgenerator hands out session identifiers.
package idgenerator

import (
	"math"
	"sync/atomic"
)

// IdGenerator generates increasing int32 ids, safe for concurrent use. Ids are
// always positive; after math.MaxInt32 the sequence restarts at 1.
type IdGenerator struct {
	id atomic.Int32
}

// NewIdGenerator creates a generator whose first Id is startValue+1.
// Negative start values are treated as 0.
//
// Parameters:
//   - startValue: The value preceding the first id
//
// Returns:
//   - A new *IdGenerator
func NewIdGenerator(startValue int32) *IdGenerator {
	gen := &IdGenerator{}
	gen.id.Store(max(startValue, 0))
	return gen
}

// Id returns the next id.
//
// Returns:
//   - A positive id, unique until the sequence wraps after math.MaxInt32
func (g *IdGenerator) Id() int32 {
	for {
		cur := g.id.Load()
		next := cur + 1
		if cur == math.MaxInt32 {
			next = 1
		}
		if g.id.CompareAndSwap(cur, next) {
			return next
		}
	}
}
