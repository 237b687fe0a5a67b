package ledger

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storesync/entitlements/pkg/entitlement"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testRecord(id string) entitlement.TransactionRecord {
	return entitlement.TransactionRecord{
		ID:           id,
		OriginalID:   id,
		ProductID:    "coins",
		PurchaseDate: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Verified:     true,
	}
}

func TestStore_AppendAndReadBack(t *testing.T) {
	store := openTestStore(t)

	expires := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	r := testRecord("txn-1")
	r.ExpirationDate = &expires

	isNew, err := store.Append(r)
	require.NoError(t, err)
	assert.True(t, isNew)

	records, err := store.All()
	require.NoError(t, err)
	require.Len(t, records, 1)

	got := records[0]
	assert.Equal(t, r.ID, got.ID)
	assert.Equal(t, r.OriginalID, got.OriginalID)
	assert.Equal(t, r.ProductID, got.ProductID)
	assert.True(t, got.PurchaseDate.Equal(r.PurchaseDate))
	require.NotNil(t, got.ExpirationDate)
	assert.True(t, got.ExpirationDate.Equal(expires))
	assert.Nil(t, got.RevocationDate)
	assert.True(t, got.Verified)
}

func TestStore_DuplicateIDIgnored(t *testing.T) {
	store := openTestStore(t)

	isNew, err := store.Append(testRecord("txn-1"))
	require.NoError(t, err)
	assert.True(t, isNew)

	// Same id again: ignored, original row untouched.
	dup := testRecord("txn-1")
	dup.ProductID = "something-else"
	isNew, err = store.Append(dup)
	require.NoError(t, err)
	assert.False(t, isNew)

	records, err := store.All()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "coins", records[0].ProductID)
}

func TestStore_OrderedByPurchaseDate(t *testing.T) {
	store := openTestStore(t)

	newer := testRecord("txn-b")
	newer.PurchaseDate = newer.PurchaseDate.Add(48 * time.Hour)
	older := testRecord("txn-a")

	_, err := store.Append(newer)
	require.NoError(t, err)
	_, err = store.Append(older)
	require.NoError(t, err)

	records, err := store.All()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "txn-a", records[0].ID)
	assert.Equal(t, "txn-b", records[1].ID)
}

func TestStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")

	store, err := Open(path)
	require.NoError(t, err)
	_, err = store.Append(testRecord("txn-1"))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	count, err := reopened.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
