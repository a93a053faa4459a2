package batcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/listingwatch/internal/store/memory"
	"github.com/JakeFAU/listingwatch/internal/watch"
)

type failingStore struct {
	*memory.Store
	failOn int
	calls  int
}

func (s *failingStore) Commit(ctx context.Context, writes []watch.Write) error {
	s.calls++
	if s.calls == s.failOn {
		return errors.New("deadline exceeded on write")
	}
	return s.Store.Commit(ctx, writes)
}

func listing(id string) watch.ListingRecord {
	return watch.ListingRecord{
		SourceListingID:  id,
		Title:            "Listing " + id,
		Price:            "$1,000.00",
		PostedAtEpochMs:  1_700_000_000_000,
		WatchlistEntryID: "entry-1",
		OwnerUserID:      "user-1",
	}
}

func TestCommitIsIdempotent(t *testing.T) {
	t.Parallel()

	store := memory.NewStore(0)
	ctx := context.Background()

	b := New(store, nil)
	b.Stage(listing("a"))
	n, err := b.Commit(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	once, err := store.Get(ctx, watch.CollectionListings, "a")
	require.NoError(t, err)

	b.Stage(listing("a"))
	_, err = b.Commit(ctx)
	require.NoError(t, err)
	twice, err := store.Get(ctx, watch.CollectionListings, "a")
	require.NoError(t, err)

	require.Equal(t, once.Fields, twice.Fields)
	require.Equal(t, 1, store.Count(watch.CollectionListings))
}

func TestMergePreservesStoredFields(t *testing.T) {
	t.Parallel()

	store := memory.NewStore(0)
	ctx := context.Background()
	b := New(store, nil)

	first := listing("a")
	first.Description = "Clean title, one owner"
	b.Stage(first)
	_, err := b.Commit(ctx)
	require.NoError(t, err)

	second := listing("a")
	second.Price = "$900.00"
	b.Stage(second)
	_, err = b.Commit(ctx)
	require.NoError(t, err)

	doc, err := store.Get(ctx, watch.CollectionListings, "a")
	require.NoError(t, err)
	got := watch.ListingFromDocument(doc)
	require.Equal(t, "$900.00", got.Price)
	require.Equal(t, "Clean title, one owner", got.Description)
}

func TestCommitSplitsIntoSubBatches(t *testing.T) {
	t.Parallel()

	store := memory.NewStore(2)
	b := New(store, nil)
	for i := 0; i < 5; i++ {
		b.Stage(listing(fmt.Sprintf("l%d", i)))
	}
	n, err := b.Commit(context.Background())
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, 3, store.Commits())
	require.Equal(t, 5, store.Count(watch.CollectionListings))
	require.Equal(t, 0, b.Pending())
}

func TestCommitFailureSurfacesStoreError(t *testing.T) {
	t.Parallel()

	store := &failingStore{Store: memory.NewStore(2), failOn: 2}
	b := New(store, nil)
	for i := 0; i < 5; i++ {
		b.Stage(listing(fmt.Sprintf("l%d", i)))
	}
	n, err := b.Commit(context.Background())
	var storeErr *watch.StoreError
	require.ErrorAs(t, err, &storeErr)
	require.Equal(t, watch.CollectionListings, storeErr.Collection)
	require.Equal(t, 2, n)
	require.Equal(t, 5, b.Pending())
}

func TestStageDedupesAndDropsMissingIDs(t *testing.T) {
	t.Parallel()

	b := New(memory.NewStore(0), nil)
	noID := listing("")
	dup := listing("a")
	dup.Title = ""
	dup.Price = "$5"
	require.Equal(t, 1, b.Stage(listing("a"), noID, dup))
	require.Equal(t, 1, b.Pending())
	require.Equal(t, "Listing a", b.staged["a"].Title)
	require.Equal(t, "$5", b.staged["a"].Price)
}

func TestStageConcurrent(t *testing.T) {
	t.Parallel()

	b := New(memory.NewStore(0), nil)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				b.Stage(listing(fmt.Sprintf("w%d-%d", w, i)))
			}
		}(w)
	}
	wg.Wait()
	require.Equal(t, 200, b.Pending())
}
