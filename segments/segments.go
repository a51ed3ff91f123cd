// Package segments locates byte ranges of a concatenated stream within the consecutive segments
// (files) that make it up.
package segments

type Int = int64

type Length = Int

// A half-open byte range [Start, Start+Length).
type Extent struct {
	Start, Length Int
}

func (e Extent) End() Int {
	return e.Start + e.Length
}

func (e Extent) Empty() bool {
	return e.Length <= 0
}

// Returns the part of e that is also in other, in the same coordinates as e and other.
func (e Extent) Intersect(other Extent) (ret Extent) {
	ret.Start = max(e.Start, other.Start)
	end := min(e.End(), other.End())
	if end > ret.Start {
		ret.Length = end - ret.Start
	}
	return
}

// Number of bytes shared by the two extents.
func Overlap(a, b Extent) Int {
	return a.Intersect(b).Length
}

type Callback = func(segmentIndex int, segmentBounds Extent) bool
