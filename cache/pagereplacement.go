package cache

import "container/list"

// pageReplacement tracks an LRU eviction order over every resident block,
// grounded on the teacher's buffer_lru.go (a container/list-backed LRU with
// promote-on-access and cold-end eviction), simplified to a single list:
// spec.md's invariants only require "scan from the cold end, skip
// non-evictable without reordering," not a scan-resistant young/old split.
type pageReplacement struct {
	order *list.List // front = coldest (LRU), back = warmest (MRU)
}

// replElem is the per-block local record page replacement keeps, handed
// back via its owning Block so the two never need a stored back-pointer
// (spec.md §9's "interior references re-derived at call sites" note).
type replElem struct {
	node *list.Element // nil if not currently tracked (e.g. mid-eviction)
}

func newPageReplacement() *pageReplacement {
	return &pageReplacement{order: list.New()}
}

// track starts tracking b at the warm end, called once when a block
// becomes resident (create_buf or a first acquire's cache-miss path).
func (r *pageReplacement) track(b *Block) {
	b.pageRepl.node = r.order.PushBack(b)
}

// promote moves b to the warm end, called after every successful acquire
// (spec.md §4.5: "on every successful acquire the block's position is
// promoted").
func (r *pageReplacement) promote(b *Block) {
	if b.pageRepl.node == nil {
		return
	}
	r.order.MoveToBack(b.pageRepl.node)
}

// untrack stops tracking b, called once it has actually been unloaded.
func (r *pageReplacement) untrack(b *Block) {
	if b.pageRepl.node == nil {
		return
	}
	r.order.Remove(b.pageRepl.node)
	b.pageRepl.node = nil
}

func (r *pageReplacement) residentCount() int { return r.order.Len() }

// victims walks from the cold end and returns up to n blocks that are
// currently safe to unload, without reordering any block it skips over
// (spec.md §4.5: "must skip non-evictable blocks without reordering
// them").
func (r *pageReplacement) victims(n int) []*Block {
	var out []*Block
	for e := r.order.Front(); e != nil && len(out) < n; e = e.Next() {
		b := e.Value.(*Block)
		if b.safeToUnload() {
			out = append(out, b)
		}
	}
	return out
}
