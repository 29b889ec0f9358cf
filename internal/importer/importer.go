// Package importer feeds parsed messages into the metadata store and the
// search index. The raw bytes stay where they came from; only the locator
// pointing back at them is recorded.
package importer

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/mailscope/mailscope/internal/metastore"
	"github.com/mailscope/mailscope/internal/mime"
	"github.com/mailscope/mailscope/internal/search"
	"github.com/mailscope/mailscope/internal/termdict"
)

// Options configures an import run.
type Options struct {
	// Namespace receives the applied tags; empty means the global
	// namespace.
	Namespace string

	// Tags are applied to every imported message. The namespace
	// catch-all is added automatically when Namespace is set.
	Tags []string

	// Workers caps how many mbox files are imported concurrently.
	Workers int

	// MaxKeywords limits the free-text terms indexed per message.
	MaxKeywords int

	// MinWordLen is the shortest word worth indexing.
	MinWordLen int

	// MaxMessageBytes limits a single message read from an mbox.
	// If zero, a default of 128 MiB is used.
	MaxMessageBytes int64

	// Logger is optional; defaults to slog.Default().
	Logger *slog.Logger
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.Workers <= 0 {
		out.Workers = 4
	}
	if out.MaxKeywords <= 0 {
		out.MaxKeywords = 256
	}
	if out.MinWordLen <= 0 {
		out.MinWordLen = 3
	}
	if out.MaxMessageBytes <= 0 {
		out.MaxMessageBytes = 128 << 20
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// Summary reports the outcome of an import run.
type Summary struct {
	Processed  int64
	Added      int64
	Duplicates int64
	Failed     int64
	Duration   time.Duration
}

// Importer ingests messages. Safe for concurrent use; thread linkage is
// tracked per run by Message-ID.
type Importer struct {
	dict   *termdict.Dict
	store  *metastore.Store
	engine *search.Engine

	mu      sync.Mutex
	byMsgID map[string]uint32
}

func New(dict *termdict.Dict, store *metastore.Store, engine *search.Engine) *Importer {
	return &Importer{
		dict:    dict,
		store:   store,
		engine:  engine,
		byMsgID: make(map[string]uint32),
	}
}

// Ingest records one message: metadata appended to the store, tags and
// keywords into the index. fallbackDate stands in when the Date header is
// missing or unparseable. Returns the assigned id, or (0, nil) for a
// duplicate Message-ID already seen this run.
func (im *Importer) Ingest(raw []byte, locator string, fallbackDate time.Time, opts Options) (uint32, error) {
	opts = opts.withDefaults()

	parsed, parseErr := mime.Parse(raw)
	if parseErr != nil {
		parsed = &mime.Message{Subject: "(unparseable message)"}
	}

	// Check-and-insert in one critical section so two copies of the same
	// message ingested concurrently cannot both pass the duplicate check.
	// The zero placeholder is replaced once the append lands.
	reserved := false
	if parsed.MessageID != "" {
		im.mu.Lock()
		_, dup := im.byMsgID[parsed.MessageID]
		if !dup {
			im.byMsgID[parsed.MessageID] = 0
			reserved = true
		}
		im.mu.Unlock()
		if dup {
			return 0, nil
		}
	}
	release := func() {
		if reserved {
			im.mu.Lock()
			delete(im.byMsgID, parsed.MessageID)
			im.mu.Unlock()
		}
	}

	date := parsed.Date
	if date.IsZero() {
		date = fallbackDate
	}

	var flags uint32
	if parsed.HasAttachments {
		flags |= metastore.FlagHasAttachments
	}
	if parsed.Encrypted {
		flags |= metastore.FlagEncrypted
	}
	if parsed.Signed {
		flags |= metastore.FlagSigned
	}
	// Messages filed into the drafts container are drafts.
	for _, tag := range opts.Tags {
		if strings.EqualFold(tag, "drafts") {
			flags |= metastore.FlagDraft
		}
	}

	tagIDs, err := im.tagIDs(opts)
	if err != nil {
		release()
		return 0, err
	}

	keywords := extractKeywords(parsed, opts.MinWordLen, opts.MaxKeywords)
	termIDs, err := im.engine.InternKeywords(keywords)
	if err != nil {
		release()
		return 0, fmt.Errorf("intern keywords: %w", err)
	}

	rec := &metastore.Record{
		ThreadID:  im.threadOf(parsed),
		Timestamp: date.UTC().Unix(),
		Size:      uint32(len(raw)),
		Flags:     flags,
		Locator:   locator,
		TagIDs:    tagIDs,
		TermIDs:   termIDs,
	}
	if _, err := im.store.Append(rec); err != nil {
		release()
		return 0, fmt.Errorf("append metadata: %w", err)
	}

	if parsed.MessageID != "" {
		im.mu.Lock()
		im.byMsgID[parsed.MessageID] = rec.ID
		im.mu.Unlock()
	}

	if err := im.engine.Index(rec); err != nil {
		return 0, fmt.Errorf("index message: %w", err)
	}
	return rec.ID, nil
}

func (im *Importer) tagIDs(opts Options) ([]uint32, error) {
	names := opts.Tags
	if opts.Namespace != "" {
		names = append(names[:len(names):len(names)], "all")
	}
	ids := make([]uint32, 0, len(names))
	for _, name := range names {
		id, err := im.dict.Intern(strings.ToLower(name), opts.Namespace, termdict.KindTag)
		if err != nil {
			return nil, fmt.Errorf("intern tag %s: %w", name, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// threadOf resolves thread linkage against messages already ingested this
// run: the root reference first, then In-Reply-To. Zero means the message
// roots its own thread.
func (im *Importer) threadOf(parsed *mime.Message) uint32 {
	im.mu.Lock()
	defer im.mu.Unlock()
	if len(parsed.References) > 0 {
		if id := im.byMsgID[parsed.References[0]]; id != 0 {
			return id
		}
	}
	if parsed.InReplyTo != "" {
		if id := im.byMsgID[parsed.InReplyTo]; id != 0 {
			return id
		}
	}
	return 0
}

// extractKeywords produces the free-text terms for a message: subject and
// body words, plus from:/to: address terms. Subject words are indexed
// twice, bare and under subject:, so both plain and field searches hit.
func extractKeywords(parsed *mime.Message, minLen, max int) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(kw string) {
		if kw == "" || seen[kw] || len(out) >= max {
			return
		}
		seen[kw] = true
		out = append(out, kw)
	}

	for _, a := range parsed.From {
		add("from:" + a.Email)
	}
	for _, a := range parsed.To {
		add("to:" + a.Email)
	}
	for _, a := range parsed.Cc {
		add("to:" + a.Email)
	}
	for _, w := range splitWords(parsed.Subject) {
		if len(w) >= minLen {
			add(w)
			add("subject:" + w)
		}
	}
	for _, w := range splitWords(parsed.GetBodyText()) {
		if len(w) >= minLen {
			add(w)
		}
	}
	return out
}

func splitWords(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}
