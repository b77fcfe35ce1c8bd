package speech

// clipHeap implements [container/heap.Interface] as a min-heap on clip index.
type clipHeap []Clip

func (h clipHeap) Len() int           { return len(h) }
func (h clipHeap) Less(i, j int) bool { return h[i].Index < h[j].Index }
func (h clipHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

// Push appends x. Called by [container/heap.Push] only.
func (h *clipHeap) Push(x any) {
	*h = append(*h, x.(Clip))
}

// Pop removes the last element. Called by [container/heap.Pop] only.
func (h *clipHeap) Pop() any {
	old := *h
	n := len(old)
	c := old[n-1]
	old[n-1] = Clip{}
	*h = old[:n-1]
	return c
}
