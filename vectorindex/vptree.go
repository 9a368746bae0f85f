package vectorindex

import (
	"container/heap"
	"math"

	"github.com/viant/vec/search"
)

// vpTree is a vantage-point tree over angular distance, which unlike raw
// cosine distance obeys the triangle inequality.
type vpTree struct {
	vecs []search.Float32s
	root *vpNode
}

type vpNode struct {
	point     int
	threshold float64
	inside    *vpNode
	outside   *vpNode
}

func buildVPTree(vecs [][]float32) *vpTree {
	t := &vpTree{vecs: make([]search.Float32s, len(vecs))}
	points := make([]int, len(vecs))
	for i, v := range vecs {
		t.vecs[i] = search.Float32s(v)
		points[i] = i
	}
	t.root = t.build(points)
	return t
}

func (t *vpTree) angle(a search.Float32s, i int) float64 {
	d := float64(a.CosineDistance(t.vecs[i]))
	c := 1 - d
	if c > 1 {
		c = 1
	} else if c < -1 {
		c = -1
	}
	return math.Acos(c)
}

// build takes the first point as vantage point and splits the rest at the
// median distance.
func (t *vpTree) build(points []int) *vpNode {
	if len(points) == 0 {
		return nil
	}
	n := &vpNode{point: points[0]}
	rest := points[1:]
	if len(rest) == 0 {
		return n
	}

	vp := t.vecs[n.point]
	dists := make([]float64, len(rest))
	for i, p := range rest {
		dists[i] = t.angle(vp, p)
	}
	mid := len(rest) / 2
	selectNth(rest, dists, mid)
	n.threshold = dists[mid]
	n.inside = t.build(rest[:mid])
	n.outside = t.build(rest[mid:])
	return n
}

// selectNth partially orders points by dists so that position k holds the
// k-th smallest distance, with smaller ones before it.
func selectNth(points []int, dists []float64, k int) {
	lo, hi := 0, len(points)-1
	for lo < hi {
		pivot := dists[(lo+hi)/2]
		i, j := lo, hi
		for i <= j {
			for dists[i] < pivot {
				i++
			}
			for dists[j] > pivot {
				j--
			}
			if i <= j {
				points[i], points[j] = points[j], points[i]
				dists[i], dists[j] = dists[j], dists[i]
				i++
				j--
			}
		}
		switch {
		case k <= j:
			hi = j
		case k >= i:
			lo = i
		default:
			return
		}
	}
}

type candidate struct {
	point int
	dist  float64
}

// farthestFirst is a max-heap on distance.
type farthestFirst []candidate

func (h farthestFirst) Len() int { return len(h) }
func (h farthestFirst) Less(i, j int) bool {
	if h[i].dist != h[j].dist {
		return h[i].dist > h[j].dist
	}
	return h[i].point > h[j].point
}
func (h farthestFirst) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *farthestFirst) Push(x interface{}) { *h = append(*h, x.(candidate)) }
func (h *farthestFirst) Pop() interface{} {
	old := *h
	c := old[len(old)-1]
	*h = old[:len(old)-1]
	return c
}

// nearest returns the indexes of the k points closest to q.
func (t *vpTree) nearest(q []float32, k int) []int {
	if t.root == nil || k <= 0 {
		return nil
	}
	sq := search.Float32s(q)
	h := &farthestFirst{}
	tau := math.Inf(1)

	var visit func(n *vpNode)
	visit = func(n *vpNode) {
		if n == nil {
			return
		}
		d := t.angle(sq, n.point)
		if h.Len() < k {
			heap.Push(h, candidate{point: n.point, dist: d})
			if h.Len() == k {
				tau = (*h)[0].dist
			}
		} else if d < tau {
			heap.Pop(h)
			heap.Push(h, candidate{point: n.point, dist: d})
			tau = (*h)[0].dist
		}

		if d < n.threshold {
			if d-tau <= n.threshold {
				visit(n.inside)
			}
			if d+tau >= n.threshold {
				visit(n.outside)
			}
		} else {
			if d+tau >= n.threshold {
				visit(n.outside)
			}
			if d-tau <= n.threshold {
				visit(n.inside)
			}
		}
	}
	visit(t.root)

	out := make([]int, h.Len())
	for i := range out {
		out[i] = (*h)[i].point
	}
	return out
}
