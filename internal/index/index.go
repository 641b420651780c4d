// Package index maintains the in-memory blocking index over canonical
// records. Lookups only compare against records sharing at least one
// blocking key, keeping candidate search far below O(n) on the full store.
package index

import (
	"sort"
	"strings"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/retail-intel/ingest-cli/internal/model"
	"github.com/retail-intel/ingest-cli/internal/normalize"
)

// ErrNotFound indicates an update against an unknown canonical id. This is a
// coordination bug upstream, not a recoverable condition.
var ErrNotFound = eris.New("index: canonical record not found")

// Strategy selects how blocking keys are derived from a normalized key.
// Every strategy emits one key per name token, so records sharing any token
// (or token shape) land in a common block even when word order or leading
// tokens differ.
type Strategy string

const (
	// StrategyToken blocks on each name token verbatim.
	StrategyToken Strategy = "token"
	// StrategyPrefix blocks on the first four characters of each token.
	StrategyPrefix Strategy = "prefix4"
	// StrategyPhonetic blocks on a Soundex code of each token.
	StrategyPhonetic Strategy = "phonetic"
)

// ParseStrategy validates a configured strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyToken, StrategyPrefix, StrategyPhonetic:
		return Strategy(s), nil
	case "":
		return StrategyToken, nil
	}
	return "", eris.Errorf("index: unknown blocking strategy %q (valid: token, prefix4, phonetic)", s)
}

// Candidate is a blocking-stage hit: a canonical id plus a coarse score used
// only to order candidates before fine-grained matching.
type Candidate struct {
	ID         string
	BlockScore float64
}

// block holds the ids sharing one blocking key. Each block serializes its
// own writes so batches touching disjoint keys never contend.
type block struct {
	mu  sync.RWMutex
	ids []string
}

// Index is the owned, injectable candidate index. Concurrent reads are
// allowed across blocking keys; writes are serialized per key.
type Index struct {
	strategy Strategy

	mu      sync.RWMutex
	records map[string]model.CanonicalRecord
	blocks  map[string]*block
	keysOf  map[string][]string // canonical id -> current blocking keys
}

// New creates an empty index using the given blocking strategy.
func New(strategy Strategy) *Index {
	return &Index{
		strategy: strategy,
		records:  make(map[string]model.CanonicalRecord),
		blocks:   make(map[string]*block),
		keysOf:   make(map[string][]string),
	}
}

// Load bulk-inserts previously persisted canonical records, typically at
// coordinator start.
func (ix *Index) Load(records []model.CanonicalRecord) {
	for _, rec := range records {
		ix.Insert(rec)
	}
}

// Len returns the number of indexed canonical records.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.records)
}

// Get returns a copy of the canonical record with the given id.
func (ix *Index) Get(id string) (model.CanonicalRecord, error) {
	ix.mu.RLock()
	rec, ok := ix.records[id]
	ix.mu.RUnlock()
	if !ok {
		return model.CanonicalRecord{}, eris.Wrapf(ErrNotFound, "get %s", id)
	}
	return rec.Clone(), nil
}

// Lookup returns up to topN candidates sharing at least one blocking key
// with the given normalized key, ordered by descending blocking score.
func (ix *Index) Lookup(key normalize.Key, topN int) []Candidate {
	blockKeys := ix.BlockKeys(key)
	if len(blockKeys) == 0 {
		return nil
	}

	seen := make(map[string]bool)
	var ids []string
	for _, bk := range blockKeys {
		ix.mu.RLock()
		b := ix.blocks[bk]
		ix.mu.RUnlock()
		if b == nil {
			continue
		}
		b.mu.RLock()
		for _, id := range b.ids {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
		b.mu.RUnlock()
	}

	candidates := make([]Candidate, 0, len(ids))
	ix.mu.RLock()
	for _, id := range ids {
		rec, ok := ix.records[id]
		if !ok {
			continue
		}
		candidates = append(candidates, Candidate{
			ID:         id,
			BlockScore: tokenOverlap(key.Tokens, strings.Fields(rec.Fields["name"])),
		})
	}
	ix.mu.RUnlock()

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].BlockScore > candidates[j].BlockScore
	})
	if topN > 0 && len(candidates) > topN {
		candidates = candidates[:topN]
	}
	return candidates
}

// Insert adds a canonical record under all of its blocking keys. Replaces
// any existing entry with the same id.
func (ix *Index) Insert(rec model.CanonicalRecord) {
	newKeys := ix.blockKeysForRecord(rec)

	ix.mu.Lock()
	ix.records[rec.ID] = rec.Clone()
	oldKeys := ix.keysOf[rec.ID]
	ix.keysOf[rec.ID] = newKeys

	newSet := make(map[string]bool, len(newKeys))
	for _, k := range newKeys {
		newSet[k] = true
	}
	var stale []*block
	for _, k := range oldKeys {
		if !newSet[k] {
			if b := ix.blocks[k]; b != nil {
				stale = append(stale, b)
			}
		}
	}
	added := make([]*block, 0, len(newKeys))
	for _, k := range newKeys {
		b := ix.blocks[k]
		if b == nil {
			b = &block{}
			ix.blocks[k] = b
		}
		added = append(added, b)
	}
	ix.mu.Unlock()

	for _, b := range stale {
		b.mu.Lock()
		b.ids = remove(b.ids, rec.ID)
		b.mu.Unlock()
	}
	for _, b := range added {
		b.mu.Lock()
		if !contains(b.ids, rec.ID) {
			b.ids = append(b.ids, rec.ID)
		}
		b.mu.Unlock()
	}
}

// Update replaces the stored record for an id after a merge, re-blocking it
// if the merged name moved it to different keys. ErrNotFound here means the
// coordinator committed against a record the index never saw, which is fatal.
func (ix *Index) Update(rec model.CanonicalRecord) error {
	ix.mu.RLock()
	_, ok := ix.records[rec.ID]
	ix.mu.RUnlock()
	if !ok {
		return eris.Wrapf(ErrNotFound, "update %s", rec.ID)
	}
	ix.Insert(rec)
	return nil
}

// BlockKeys derives the blocking keys for a normalized key under the
// configured strategy. Records with no usable name block on the external id
// alone.
func (ix *Index) BlockKeys(key normalize.Key) []string {
	var keys []string
	seen := make(map[string]bool)
	add := func(k string) {
		if k != "" && !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}

	for _, token := range key.Tokens {
		switch ix.strategy {
		case StrategyPrefix:
			if len(token) > 4 {
				token = token[:4]
			}
			add("pfx:" + token)
		case StrategyPhonetic:
			add("snd:" + soundex(token))
		default:
			add("tok:" + token)
		}
	}
	if key.ExternalID != "" {
		add("xid:" + strings.ToLower(key.ExternalID))
	}
	return keys
}

func (ix *Index) blockKeysForRecord(rec model.CanonicalRecord) []string {
	name := rec.Fields["name"]
	return ix.BlockKeys(normalize.Key{
		ExternalID: rec.Fields["external_id"],
		Name:       name,
		Tokens:     strings.Fields(name),
	})
}

// tokenOverlap is the Jaccard similarity of two token sets, used as the
// coarse blocking score.
func tokenOverlap(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]bool, len(a))
	for _, t := range a {
		set[t] = true
	}
	shared := 0
	union := len(set)
	seen := make(map[string]bool, len(b))
	for _, t := range b {
		if seen[t] {
			continue
		}
		seen[t] = true
		if set[t] {
			shared++
		} else {
			union++
		}
	}
	return float64(shared) / float64(union)
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func remove(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
