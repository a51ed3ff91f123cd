package segments

import (
	"iter"
	"sort"

	g "github.com/anacrolix/generics"
	"github.com/anacrolix/missinggo/v2/panicif"
)

// Segments sorted by start and not overlapping. Gaps are permitted.
type Index struct {
	segments []Extent
}

// Builds an index of consecutive segments with the given lengths.
func NewIndex(lengths iter.Seq[Length]) (ret Index) {
	var start Length
	for l := range lengths {
		panicif.True(l < 0)
		ret.segments = append(ret.segments, Extent{start, l})
		start += l
	}
	return
}

func NewIndexFromSegments(segments []Extent) Index {
	for i := 1; i < len(segments); i++ {
		panicif.True(segments[i].Start < segments[i-1].End())
	}
	return Index{segments}
}

func (me Index) Len() int {
	return len(me.segments)
}

func (me Index) Index(i int) Extent {
	return me.segments[i]
}

// The end of the last segment.
func (me Index) End() Int {
	if len(me.segments) == 0 {
		return 0
	}
	return me.segments[len(me.segments)-1].End()
}

// Yields each segment index overlapping e, with the overlapping part relative to the segment's
// start. Zero-length segments never overlap anything.
func (me Index) LocateIter(e Extent) iter.Seq2[int, Extent] {
	return func(yield func(int, Extent) bool) {
		if e.Empty() {
			return
		}
		first := sort.Search(len(me.segments), func(i int) bool {
			return me.segments[i].End() > e.Start
		})
		for i := first; i < len(me.segments); i++ {
			seg := me.segments[i]
			if seg.Start >= e.End() {
				return
			}
			overlap := seg.Intersect(e)
			if overlap.Empty() {
				continue
			}
			overlap.Start -= seg.Start
			if !yield(i, overlap) {
				return
			}
		}
	}
}

// Calls output for every segment overlapping e. Returns true if the segments cover all of e, or
// output stopped the iteration early.
func (me Index) Locate(e Extent, output Callback) bool {
	covered := Int(0)
	for i, overlap := range me.LocateIter(e) {
		covered += overlap.Length
		if !output(i, overlap) {
			return true
		}
	}
	return covered == max(e.Length, 0)
}

type IndexAndOffset struct {
	Index  int
	Offset int64
}

// Returns the segment containing the byte at off, and the offset within it.
func (me Index) LocateOffset(off int64) (ret g.Option[IndexAndOffset]) {
	for i, e := range me.LocateIter(Extent{off, 1}) {
		panicif.True(ret.Ok)
		ret.Set(IndexAndOffset{
			Index:  i,
			Offset: e.Start,
		})
	}
	return
}
