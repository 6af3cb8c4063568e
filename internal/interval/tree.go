package interval

// node is one run in the AVL tree.  Subtree aggregates (height, total
// length, run count) are kept current by update.
type node struct {
	run         Run
	left, right *node
	height      int
	sum         int
	count       int
}

func newNode(r Run) *node {
	n := &node{run: r}
	n.update()
	return n
}

func height(n *node) int {
	if n == nil {
		return 0
	}
	return n.height
}

func sum(n *node) int {
	if n == nil {
		return 0
	}
	return n.sum
}

func count(n *node) int {
	if n == nil {
		return 0
	}
	return n.count
}

func (n *node) update() {
	n.height = 1 + max(height(n.left), height(n.right))
	n.sum = sum(n.left) + n.run.Length + sum(n.right)
	n.count = count(n.left) + 1 + count(n.right)
}

func rotateRight(n *node) *node {
	l := n.left
	n.left = l.right
	n.update()
	l.right = n
	l.update()
	return l
}

func rotateLeft(n *node) *node {
	r := n.right
	n.right = r.left
	n.update()
	r.left = n
	r.update()
	return r
}

// rebalance restores the AVL property at n, assuming both children are
// valid AVL trees whose heights differ by at most two.
func rebalance(n *node) *node {
	n.update()
	switch bf := height(n.left) - height(n.right); {
	case bf > 1:
		if height(n.left.left) < height(n.left.right) {
			n.left = rotateLeft(n.left)
		}
		return rotateRight(n)
	case bf < -1:
		if height(n.right.right) < height(n.right.left) {
			n.right = rotateRight(n.right)
		}
		return rotateLeft(n)
	}
	return n
}

// join returns the concatenation l ++ [k] ++ r.  k must be detached.
func join(l, k, r *node) *node {
	switch hl, hr := height(l), height(r); {
	case hl > hr+1:
		l.right = join(l.right, k, r)
		return rebalance(l)
	case hr > hl+1:
		r.left = join(l, k, r.left)
		return rebalance(r)
	}
	k.left, k.right = l, r
	k.update()
	return k
}

// split divides n so that the left result covers exactly pos bytes.  A run
// straddling pos is cut in two.
func split(n *node, pos int) (*node, *node) {
	if n == nil {
		return nil, nil
	}
	ls := sum(n.left)
	l, r := n.left, n.right
	switch {
	case pos <= ls:
		ll, lr := split(l, pos)
		return ll, join(lr, n, r)
	case pos >= ls+n.run.Length:
		rl, rr := split(r, pos-ls-n.run.Length)
		return join(l, n, rl), rr
	}
	cut := pos - ls
	head := newNode(Run{Length: cut, Value: n.run.Value})
	n.run.Length -= cut
	return join(l, head, nil), join(nil, n, r)
}

// removeMin detaches the leftmost node of n.
func removeMin(n *node) (*node, *node) {
	if n.left == nil {
		rest := n.right
		n.right = nil
		n.update()
		return rest, n
	}
	var m *node
	n.left, m = removeMin(n.left)
	return rebalance(n), m
}

// removeMax detaches the rightmost node of n.
func removeMax(n *node) (*node, *node) {
	if n.right == nil {
		rest := n.left
		n.left = nil
		n.update()
		return rest, n
	}
	var m *node
	n.right, m = removeMax(n.right)
	return rebalance(n), m
}

// concat joins l and r, merging the run at the seam when both sides carry
// the same value.
func concat(l, r *node) *node {
	if l == nil {
		return r
	}
	if r == nil {
		return l
	}
	l, last := removeMax(l)
	r, first := removeMin(r)
	if last.run.Value == first.run.Value {
		last.run.Length += first.run.Length
		return join(l, last, r)
	}
	return join(l, last, join(nil, first, r))
}

// build returns a perfectly balanced tree over runs.
func build(runs []Run) *node {
	if len(runs) == 0 {
		return nil
	}
	mid := len(runs) / 2
	n := &node{run: runs[mid]}
	n.left = build(runs[:mid])
	n.right = build(runs[mid+1:])
	n.update()
	return n
}

// find returns the node containing pos and the offset at which it starts.
func find(n *node, pos int) (*node, int) {
	base := 0
	for n != nil {
		ls := sum(n.left)
		switch {
		case pos < base+ls:
			n = n.left
		case pos < base+ls+n.run.Length:
			return n, base + ls
		default:
			base += ls + n.run.Length
			n = n.right
		}
	}
	return nil, 0
}

// collect appends the parts of the runs under n that overlap [start, end),
// where base is the offset of n's first byte.
func collect(n *node, base, start, end int, out []Run) []Run {
	if n == nil || start >= base+n.sum || end <= base {
		return out
	}
	ls := sum(n.left)
	if start < base+ls {
		out = collect(n.left, base, start, end, out)
	}
	rs := base + ls
	re := rs + n.run.Length
	if start < re && end > rs {
		out = append(out, Run{
			Length: min(re, end) - max(rs, start),
			Value:  n.run.Value,
		})
	}
	if end > re {
		out = collect(n.right, re, start, end, out)
	}
	return out
}

func walk(n *node, fn func(Run)) {
	if n == nil {
		return
	}
	walk(n.left, fn)
	fn(n.run)
	walk(n.right, fn)
}
