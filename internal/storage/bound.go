package storage

import "bytes"

// Bound resolves the open question in the spec's design notes: the wire-level
// API overloads an empty byte string as "no lower bound" or "no upper bound"
// depending on position, which collides with the empty string as a real key.
// Internally every range endpoint is a Bound so the two meanings never share
// a representation; NewKeyRange and hint submission still accept plain
// []byte at the public edge and convert here.
type Bound struct {
	Key       []byte
	Unbounded bool
}

// LowerBound converts an API-level "empty means no lower bound" byte slice
// into an explicit Bound.
func LowerBound(b []byte) Bound {
	if len(b) == 0 {
		return Bound{Unbounded: true}
	}
	return Bound{Key: b}
}

// UpperBound converts an API-level "empty means no upper bound" byte slice
// into an explicit Bound.
func UpperBound(b []byte) Bound {
	if len(b) == 0 {
		return Bound{Unbounded: true}
	}
	return Bound{Key: b}
}

// ToLowerAPI renders a Bound back to the wire-level empty-means-unbounded
// convention for a lower bound.
func (b Bound) ToLowerAPI() []byte {
	if b.Unbounded {
		return nil
	}
	return b.Key
}

// ToUpperAPI renders a Bound back to the wire-level empty-means-unbounded
// convention for an upper bound.
func (b Bound) ToUpperAPI() []byte {
	if b.Unbounded {
		return nil
	}
	return b.Key
}

// aboveKey reports whether key is strictly below this upper bound (an
// unbounded upper bound admits every key).
func (b Bound) aboveKey(key []byte) bool {
	if b.Unbounded {
		return true
	}
	return bytes.Compare(key, b.Key) < 0
}

// belowKey reports whether this lower bound admits key (an unbounded lower
// bound admits every key).
func (b Bound) belowKey(key []byte) bool {
	if b.Unbounded {
		return true
	}
	return bytes.Compare(key, b.Key) >= 0
}

// maxEnd returns the wider of two upper bounds, treating Unbounded as greater
// than any concrete key (§4.5 coalescing step: "e = max(e, nextEnd) treating
// unbounded as greater than any bounded key").
func maxEnd(a, b Bound) Bound {
	if a.Unbounded || b.Unbounded {
		return Bound{Unbounded: true}
	}
	if bytes.Compare(a.Key, b.Key) >= 0 {
		return a
	}
	return b
}

// minEnd returns the narrower of two upper bounds, treating Unbounded as
// wider than any concrete key (§4.5 submit algorithm: narrowest end wins at
// submit time, widened again during coalescing).
func minEnd(a, b Bound) Bound {
	if a.Unbounded {
		return b
	}
	if b.Unbounded {
		return a
	}
	if bytes.Compare(a.Key, b.Key) <= 0 {
		return a
	}
	return b
}

// endInsideOrTouching reports whether start falls within [s, e) or e is
// unbounded — the condition used while walking ceiling entries during
// coalescing.
func endInsideOrTouching(s, e Bound, start []byte) bool {
	if e.Unbounded {
		return true
	}
	if !s.belowKey(start) {
		return false
	}
	return bytes.Compare(start, e.Key) < 0
}
