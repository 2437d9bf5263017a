// Package thread orders reply chains so that no item precedes the item it
// replies to.
package thread

import (
	"nostr-cachesync/internal/nostr"
	"nostr-cachesync/internal/types"
)

// Item is the part of a thread entry the sort looks at. Empty references are
// ignored, as are references to ids outside the sorted set.
type Item struct {
	ID      string
	ReplyTo string
	Root    string
}

// FromEvent reads the thread references of an event.
func FromEvent(evt types.Event) Item {
	refs := nostr.ExtractThreadRefs(evt)
	return Item{ID: evt.ID, ReplyTo: refs.ReplyTo, Root: refs.Root}
}

const (
	unmarked uint8 = iota
	temporary
	permanent
)

type frame struct {
	idx  int
	next int
}

// Reorder returns items in an order where every item comes after the items
// it references, keeping the input order wherever the references allow.
// If the references contain a cycle the input is returned unchanged.
func Reorder[T any](items []T, ref func(T) Item) []T {
	n := len(items)
	if n < 2 {
		return items
	}

	refs := make([]Item, n)
	index := make(map[string]int, n)
	for i, it := range items {
		refs[i] = ref(it)
		if _, dup := index[refs[i].ID]; !dup && refs[i].ID != "" {
			index[refs[i].ID] = i
		}
	}

	deps := make([][]int, n)
	for i, r := range refs {
		for _, target := range [2]string{r.ReplyTo, r.Root} {
			if target == "" {
				continue
			}
			j, ok := index[target]
			if !ok {
				continue
			}
			if len(deps[i]) == 1 && deps[i][0] == j {
				continue
			}
			deps[i] = append(deps[i], j)
		}
	}

	marks := make([]uint8, n)
	out := make([]T, 0, n)
	stack := make([]frame, 0, 16)

	for start := range items {
		if marks[start] != unmarked {
			continue
		}
		marks[start] = temporary
		stack = append(stack[:0], frame{idx: start})

		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			if top.next < len(deps[top.idx]) {
				d := deps[top.idx][top.next]
				top.next++
				switch marks[d] {
				case temporary:
					return items
				case unmarked:
					marks[d] = temporary
					stack = append(stack, frame{idx: d})
				}
				continue
			}
			marks[top.idx] = permanent
			out = append(out, items[top.idx])
			stack = stack[:len(stack)-1]
		}
	}
	return out
}

// ReorderEvents sorts events by their NIP-10 references.
func ReorderEvents(events []types.Event) []types.Event {
	return Reorder(events, FromEvent)
}
