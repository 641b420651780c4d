package index

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/retail-intel/ingest-cli/internal/model"
	"github.com/retail-intel/ingest-cli/internal/normalize"
)

func canonical(id, name string) model.CanonicalRecord {
	return model.CanonicalRecord{
		ID:        id,
		Fields:    map[string]string{"name": name},
		UpdatedAt: time.Now(),
	}
}

func keyFor(name string) normalize.Key {
	return normalize.Key{Name: name, Tokens: strings.Fields(name)}
}

func TestParseStrategy(t *testing.T) {
	s, err := ParseStrategy("")
	require.NoError(t, err)
	assert.Equal(t, StrategyToken, s, "empty strategy falls back to token blocking")

	s, err = ParseStrategy("phonetic")
	require.NoError(t, err)
	assert.Equal(t, StrategyPhonetic, s)

	_, err = ParseStrategy("metaphone")
	assert.Error(t, err)
}

func TestBlockKeys_Strategies(t *testing.T) {
	key := keyFor("acme supply")

	assert.Equal(t, []string{"tok:acme", "tok:supply"}, New(StrategyToken).BlockKeys(key))
	assert.Equal(t, []string{"pfx:acme", "pfx:supp"}, New(StrategyPrefix).BlockKeys(key))
	assert.Equal(t, []string{"snd:A250", "snd:S140"}, New(StrategyPhonetic).BlockKeys(key))
}

func TestBlockKeys_ExternalID(t *testing.T) {
	ix := New(StrategyToken)
	assert.Equal(t, []string{"xid:sku-9"}, ix.BlockKeys(normalize.Key{ExternalID: "SKU-9"}))
	assert.Empty(t, ix.BlockKeys(normalize.Key{}))
	assert.Equal(t, []string{"tok:acme", "xid:sku-9"},
		ix.BlockKeys(normalize.Key{ExternalID: "SKU-9", Name: "acme", Tokens: []string{"acme"}}))
}

func TestLookup_OnlySameBlock(t *testing.T) {
	ix := New(StrategyToken)
	ix.Insert(canonical("a", "acme supply"))
	ix.Insert(canonical("b", "acme retail"))
	ix.Insert(canonical("c", "zenith retail"))

	got := ix.Lookup(keyFor("acme supply"), 10)
	require.Len(t, got, 2)
	for _, c := range got {
		assert.NotEqual(t, "c", c.ID)
	}
	// exact token set overlap sorts first
	assert.Equal(t, "a", got[0].ID)
	assert.InDelta(t, 1.0, got[0].BlockScore, 0.001)
}

func TestLookup_TopNTruncates(t *testing.T) {
	ix := New(StrategyToken)
	ix.Insert(canonical("a", "acme one"))
	ix.Insert(canonical("b", "acme two"))
	ix.Insert(canonical("c", "acme three"))

	assert.Len(t, ix.Lookup(keyFor("acme"), 2), 2)
}

func TestLookup_SharedNonLeadingToken(t *testing.T) {
	ix := New(StrategyToken)
	ix.Insert(canonical("a", "jonathan smith"))

	// different leading token still blocks via the shared surname
	got := ix.Lookup(keyFor("jon smith"), 10)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].ID)
}

func TestPhonetic_BlocksSimilarSpellings(t *testing.T) {
	ix := New(StrategyPhonetic)
	ix.Insert(canonical("a", "smith stores"))

	got := ix.Lookup(keyFor("smyth stores"), 10)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].ID)
}

func TestUpdate_RebucketsOnNameChange(t *testing.T) {
	ix := New(StrategyToken)
	ix.Insert(canonical("a", "acme supply"))

	require.NoError(t, ix.Update(canonical("a", "zenith retail")))

	assert.Empty(t, ix.Lookup(keyFor("acme supply"), 10), "stale blocking keys are dropped")
	got := ix.Lookup(keyFor("zenith retail"), 10)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].ID)
}

func TestUpdate_UnknownIDFails(t *testing.T) {
	ix := New(StrategyToken)
	err := ix.Update(canonical("ghost", "acme"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGet_ReturnsCopy(t *testing.T) {
	ix := New(StrategyToken)
	ix.Insert(canonical("a", "acme supply"))

	rec, err := ix.Get("a")
	require.NoError(t, err)
	rec.Fields["name"] = "mutated"

	again, err := ix.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "acme supply", again.Fields["name"])
}

func TestIndex_ConcurrentInsertLookup(t *testing.T) {
	ix := New(StrategyToken)
	var wg sync.WaitGroup
	names := []string{"acme supply", "acme retail", "zenith retail", "apex one"}

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				name := names[(n+j)%len(names)]
				ix.Insert(canonical(name+"-id", name))
				ix.Lookup(keyFor(name), 5)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, len(names), ix.Len())
}
