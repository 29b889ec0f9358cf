package search

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mailscope/mailscope/internal/metastore"
	"github.com/mailscope/mailscope/internal/postings"
	"github.com/mailscope/mailscope/internal/termdict"
)

// Engine holds the in-memory inverted index and evaluates query trees
// against it. The index maps term ids to posting sets and is rebuilt from
// the metadata store at startup; every posting, free text included,
// derives from the stored records.
type Engine struct {
	dict  *termdict.Dict
	store *metastore.Store
	log   *slog.Logger

	mu       sync.RWMutex
	index    map[uint32]*postings.Set
	universe *postings.Set
}

func NewEngine(dict *termdict.Dict, store *metastore.Store, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		dict:     dict,
		store:    store,
		log:      logger,
		index:    make(map[uint32]*postings.Set),
		universe: postings.Empty,
	}
}

// Universe returns the set of all indexed message ids.
func (e *Engine) Universe() *postings.Set {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.universe
}

// Rebuild repopulates the index from the metadata store: a pure replay
// of the log. Tags, date buckets, flag terms and the recorded free-text
// term ids all come back from the records themselves.
func (e *Engine) Rebuild(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.index = make(map[uint32]*postings.Set)
	e.universe = postings.Empty

	ids := e.store.IDs()
	for i, id := range ids {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		rec, err := e.store.Get(id)
		if err != nil {
			return fmt.Errorf("rebuild index: %w", err)
		}
		if err := e.indexLocked(rec); err != nil {
			return err
		}
	}
	e.log.Info("index rebuilt", "messages", len(ids), "terms", len(e.index))
	return nil
}

// Index adds a stored record to the index. Free-text keywords must be
// interned with InternKeywords and recorded on the record before it is
// appended, otherwise they are lost on the next rebuild.
func (e *Engine) Index(rec *metastore.Record) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.indexLocked(rec)
}

// InternKeywords interns free-text keywords and returns their term ids,
// for storage in the message record's TermIDs.
func (e *Engine) InternKeywords(keywords []string) ([]uint32, error) {
	if len(keywords) == 0 {
		return nil, nil
	}
	ids := make([]uint32, 0, len(keywords))
	for _, kw := range keywords {
		id, err := e.dict.Intern(kw, "", termdict.KindTerm)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (e *Engine) indexLocked(rec *metastore.Record) error {
	e.universe = e.universe.Add(rec.ID)
	for _, tag := range rec.TagIDs {
		e.post(tag, rec.ID)
	}
	for _, term := range rec.TermIDs {
		e.post(term, rec.ID)
	}
	for _, bucket := range DateBuckets(timeOf(rec.Timestamp)) {
		id, err := e.dict.Intern(bucket, "", termdict.KindStructural)
		if err != nil {
			return err
		}
		e.post(id, rec.ID)
	}
	for _, term := range flagTerms(rec.Flags) {
		id, err := e.dict.Intern(term, "", termdict.KindStructural)
		if err != nil {
			return err
		}
		e.post(id, rec.ID)
	}
	return nil
}

func (e *Engine) post(term, msg uint32) {
	set, ok := e.index[term]
	if !ok {
		set = postings.Empty
	}
	e.index[term] = set.Add(msg)
}

// UpdateTags applies a tag mutation through the metadata store and keeps
// the posting sets in step with it. The returned slices are the record's
// tag sets before and after the change.
func (e *Engine) UpdateTags(id uint32, add, remove []uint32) (oldTags, newTags []uint32, err error) {
	oldTags, newTags, err = e.store.UpdateTags(id, add, remove)
	if err != nil {
		return nil, nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	was := make(map[uint32]bool, len(oldTags))
	for _, t := range oldTags {
		was[t] = true
	}
	now := make(map[uint32]bool, len(newTags))
	for _, t := range newTags {
		now[t] = true
		if !was[t] {
			e.post(t, id)
		}
	}
	for _, t := range oldTags {
		if !now[t] {
			if set, ok := e.index[t]; ok {
				e.index[t] = set.Remove(id)
			}
		}
	}
	return oldTags, newTags, nil
}

// Evaluate computes the posting set matched by a query tree. Terms that
// were never interned match nothing. Negation is taken against the full
// set of indexed messages.
func (e *Engine) Evaluate(ctx context.Context, node Node) (*postings.Set, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.eval(ctx, node)
}

func (e *Engine) eval(ctx context.Context, node Node) (*postings.Set, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch n := node.(type) {
	case All:
		return e.universe, nil
	case Term:
		return e.lookup(n), nil
	case DateRange:
		var sets []*postings.Set
		for _, bucket := range ExpandRange(n.Start, n.End) {
			if id, ok := e.dict.Lookup(bucket, ""); ok {
				sets = append(sets, e.postingsFor(id))
			}
		}
		return postings.UnionAll(sets...), nil
	case And:
		sets := make([]*postings.Set, 0, len(n.Children))
		for _, c := range n.Children {
			s, err := e.eval(ctx, c)
			if err != nil {
				return nil, err
			}
			if s.IsEmpty() {
				return postings.Empty, nil
			}
			sets = append(sets, s)
		}
		return postings.IntersectAll(sets...), nil
	case Or:
		sets := make([]*postings.Set, 0, len(n.Children))
		for _, c := range n.Children {
			s, err := e.eval(ctx, c)
			if err != nil {
				return nil, err
			}
			sets = append(sets, s)
		}
		return postings.UnionAll(sets...), nil
	case Not:
		s, err := e.eval(ctx, n.Child)
		if err != nil {
			return nil, err
		}
		return postings.Complement(s, e.universe), nil
	default:
		return nil, fmt.Errorf("unhandled query node %T", node)
	}
}

// lookup maps a term leaf to its posting set. Tags resolve in their
// namespace; field terms and free text resolve under their qualified key.
func (e *Engine) lookup(t Term) *postings.Set {
	var key string
	switch t.Field {
	case "tag":
		key = t.Value
	case "term":
		key = t.Value
	default:
		key = t.Field + ":" + t.Value
	}
	id, ok := e.dict.Lookup(key, t.Namespace)
	if !ok {
		return postings.Empty
	}
	return e.postingsFor(id)
}

func (e *Engine) postingsFor(id uint32) *postings.Set {
	if set, ok := e.index[id]; ok {
		return set
	}
	return postings.Empty
}

// flagTerms derives is:/has: terms from record flags.
func flagTerms(flags uint32) []string {
	var out []string
	if flags&metastore.FlagHasAttachments != 0 {
		out = append(out, "has:attachment")
	}
	if flags&metastore.FlagDraft != 0 {
		out = append(out, "is:draft")
	}
	if flags&metastore.FlagEncrypted != 0 {
		out = append(out, "is:encrypted")
	}
	if flags&metastore.FlagSigned != 0 {
		out = append(out, "is:signed")
	}
	return out
}
