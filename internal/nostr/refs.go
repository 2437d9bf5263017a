package nostr

import "nostr-cachesync/internal/types"

// ThreadRefs holds the NIP-10 references of a reply.
type ThreadRefs struct {
	Root    string
	ReplyTo string
}

// ExtractThreadRefs reads the root and direct-parent ids from e-tags.
// Marked tags ("root"/"reply") win; otherwise the deprecated positional
// scheme applies: first e-tag is the root, last is the parent.
func ExtractThreadRefs(evt types.Event) ThreadRefs {
	var refs ThreadRefs
	var positional []string

	for _, tag := range evt.Tags {
		if len(tag) < 2 || tag[0] != "e" || tag[1] == "" {
			continue
		}
		marker := ""
		if len(tag) >= 4 {
			marker = tag[3]
		}
		switch marker {
		case "root":
			refs.Root = tag[1]
		case "reply":
			refs.ReplyTo = tag[1]
		case "mention":
		default:
			positional = append(positional, tag[1])
		}
	}

	if refs.Root == "" && refs.ReplyTo == "" && len(positional) > 0 {
		refs.Root = positional[0]
		refs.ReplyTo = positional[len(positional)-1]
		return refs
	}

	// A reply to the root itself only carries the root marker
	if refs.ReplyTo == "" {
		refs.ReplyTo = refs.Root
	}
	return refs
}
