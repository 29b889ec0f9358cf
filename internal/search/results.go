package search

import (
	"context"
	"fmt"
	"sort"
)

// Result is one matched message, newest-first in a result list.
type Result struct {
	ID        uint32   `json:"id"`
	Thread    uint32   `json:"thread"`
	Timestamp int64    `json:"timestamp"`
	Size      uint32   `json:"size"`
	Tags      []string `json:"tags,omitempty"`
}

// ThreadNode is one message in a conversation forest. Replies nest under
// the earliest matched message of their thread.
type ThreadNode struct {
	Result
	Replies []*ThreadNode `json:"replies,omitempty"`
}

// Search evaluates a query tree and materializes the matches, sorted by
// timestamp descending with ids as the tiebreaker. Tag ids resolve to
// their qualified names; a tag id missing from the dictionary is reported
// as a corrupt store rather than silently dropped.
func (e *Engine) Search(ctx context.Context, node Node) ([]Result, error) {
	set, err := e.Evaluate(ctx, node)
	if err != nil {
		return nil, err
	}
	results := make([]Result, 0, set.Len())
	for _, id := range set.IDs() {
		rec, err := e.store.Get(id)
		if err != nil {
			return nil, fmt.Errorf("materialize result %d: %w", id, err)
		}
		r := Result{
			ID:        rec.ID,
			Thread:    rec.Thread(),
			Timestamp: rec.Timestamp,
			Size:      rec.Size,
		}
		for _, tid := range rec.TagIDs {
			ent, err := e.dict.Resolve(tid)
			if err != nil {
				return nil, fmt.Errorf("result %d: %w", id, err)
			}
			r.Tags = append(r.Tags, ent.Key())
		}
		results = append(results, r)
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Timestamp != results[j].Timestamp {
			return results[i].Timestamp > results[j].Timestamp
		}
		return results[i].ID > results[j].ID
	})
	return results, nil
}

// ThreadForest groups a result list into conversations. The oldest matched
// message of each thread becomes the root; the rest nest under it oldest
// first. Roots keep the newest-first order of the flat list.
func ThreadForest(results []Result) []*ThreadNode {
	byThread := make(map[uint32]*ThreadNode)
	var roots []*ThreadNode
	// Walk oldest first so the earliest message of each thread roots it.
	for i := len(results) - 1; i >= 0; i-- {
		r := results[i]
		if root, ok := byThread[r.Thread]; ok {
			root.Replies = append(root.Replies, &ThreadNode{Result: r})
			continue
		}
		root := &ThreadNode{Result: r}
		byThread[r.Thread] = root
		roots = append(roots, root)
	}
	// Newest conversation first.
	sort.Slice(roots, func(i, j int) bool {
		return latest(roots[i]) > latest(roots[j])
	})
	return roots
}

func latest(n *ThreadNode) int64 {
	ts := n.Timestamp
	for _, r := range n.Replies {
		if r.Timestamp > ts {
			ts = r.Timestamp
		}
	}
	return ts
}
