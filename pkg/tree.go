package poreflow

import (
	"container/heap"
	"math"
	"sort"
)

// treeLeaf is a constant segment [Start, End) of a fitted regression tree.
type treeLeaf struct {
	Start int
	End   int
	Value float64
}

// RegressionTree is a least squares regression tree over the sample index of
// a single trace. Every leaf covers a contiguous run of samples, so the fitted
// tree is a step function.
type RegressionTree struct {
	Leaves []treeLeaf
	length int
}

// prefix sums of y and y^2 give the squared error of any segment in O(1)
type segmentStats struct {
	sum   []float64
	sumSq []float64
}

func newSegmentStats(y []float64) segmentStats {
	s := segmentStats{sum: make([]float64, len(y)+1), sumSq: make([]float64, len(y)+1)}
	for i, v := range y {
		s.sum[i+1] = s.sum[i] + v
		s.sumSq[i+1] = s.sumSq[i] + v*v
	}
	return s
}

func (s segmentStats) mean(start, end int) float64 {
	return (s.sum[end] - s.sum[start]) / float64(end-start)
}

func (s segmentStats) sse(start, end int) float64 {
	n := float64(end - start)
	total := s.sum[end] - s.sum[start]
	sse := s.sumSq[end] - s.sumSq[start] - total*total/n
	if sse < 0 {
		return 0
	}
	return sse
}

type treeNode struct {
	start, end  int
	split       int
	improvement float64
	index       int
}

type nodeQueue []*treeNode

func (q nodeQueue) Len() int           { return len(q) }
func (q nodeQueue) Less(i, j int) bool { return q[i].improvement > q[j].improvement }
func (q nodeQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *nodeQueue) Push(x any) {
	node := x.(*treeNode)
	node.index = len(*q)
	*q = append(*q, node)
}

func (q *nodeQueue) Pop() any {
	old := *q
	n := len(old)
	node := old[n-1]
	*q = old[:n-1]
	return node
}

// FitRegressionTree grows a tree best first: the leaf whose split removes the
// most squared error is expanded next, until maxLeaves leaves exist or no leaf
// can be split under the minimum sample constraints.
func FitRegressionTree(y []float64, maxLeaves, minSamplesLeaf, minSamplesSplit int) *RegressionTree {
	tree := &RegressionTree{length: len(y)}
	if len(y) == 0 {
		return tree
	}
	if minSamplesLeaf < 1 {
		minSamplesLeaf = 1
	}
	stats := newSegmentStats(y)

	var leaves []*treeNode
	frontier := &nodeQueue{}
	push := func(start, end int) {
		node := &treeNode{start: start, end: end, split: -1}
		if end-start >= minSamplesSplit && end-start >= 2*minSamplesLeaf && stats.sse(start, end)/float64(end-start) > 1e-15 {
			node.split, node.improvement = bestSplit(stats, start, end, minSamplesLeaf)
		}
		if node.split < 0 {
			leaves = append(leaves, node)
			return
		}
		heap.Push(frontier, node)
	}

	push(0, len(y))
	for frontier.Len() > 0 && len(leaves)+frontier.Len() < maxLeaves {
		node := heap.Pop(frontier).(*treeNode)
		push(node.start, node.split)
		push(node.split, node.end)
	}
	for frontier.Len() > 0 {
		leaves = append(leaves, heap.Pop(frontier).(*treeNode))
	}

	tree.Leaves = make([]treeLeaf, len(leaves))
	for i, node := range leaves {
		tree.Leaves[i] = treeLeaf{Start: node.start, End: node.end, Value: stats.mean(node.start, node.end)}
	}
	sort.Slice(tree.Leaves, func(i, j int) bool {
		return tree.Leaves[i].Start < tree.Leaves[j].Start
	})
	return tree
}

func bestSplit(stats segmentStats, start, end, minSamplesLeaf int) (int, float64) {
	parent := stats.sse(start, end)
	best, bestGain := -1, math.Inf(-1)
	for pos := start + minSamplesLeaf; pos <= end-minSamplesLeaf; pos++ {
		gain := parent - stats.sse(start, pos) - stats.sse(pos, end)
		if gain > bestGain {
			best, bestGain = pos, gain
		}
	}
	return best, bestGain
}

// Predict evaluates the tree at every sample index it was fitted on.
func (t *RegressionTree) Predict() []float64 {
	out := make([]float64, t.length)
	for _, leaf := range t.Leaves {
		for i := leaf.Start; i < leaf.End; i++ {
			out[i] = leaf.Value
		}
	}
	return out
}

// MeanSquaredError of the fit against y.
func (t *RegressionTree) MeanSquaredError(y []float64) float64 {
	if len(y) == 0 {
		return 0
	}
	sse := 0.0
	for _, leaf := range t.Leaves {
		for i := leaf.Start; i < leaf.End; i++ {
			d := y[i] - leaf.Value
			sse += d * d
		}
	}
	return sse / float64(len(y))
}
