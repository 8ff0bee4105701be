package ledger

import (
	"testing"

	apperrors "github.com/alexjbarnes/ledger-sync/internal/errors"
	"github.com/alexjbarnes/ledger-sync/internal/reconcile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestSnapshot_RoundTrip(t *testing.T) {
	src, a := newTestStore(t)

	_, err := src.AddCategory("Food")
	require.NoError(t, err)
	tx, err := src.AddTransaction(Transaction{AccountID: a.ID, Date: "2026-03-02", Payee: "Grocer", TotalAmount: -1250, ImportHash: "h1"})
	require.NoError(t, err)
	src.SetSetting("default_account", a.ID)
	_, err = src.Apply([]reconcile.Match{{Type: reconcile.Probable, Candidate: reconcile.Candidate{AccountID: a.ID, Date: "2026-03-02", TotalAmount: -1250}}})
	require.NoError(t, err)

	data, gen, err := src.ExportSnapshot()
	require.NoError(t, err)
	assert.Equal(t, src.Generation(), gen)
	assert.Equal(t, int64(SnapshotFormat), gjson.GetBytes(data, "format").Int())

	dst := New()
	require.NoError(t, dst.ImportSnapshot(data))

	assert.Equal(t, src.Accounts(), dst.Accounts())
	assert.Equal(t, src.Transactions(a.ID), dst.Transactions(a.ID))
	assert.Equal(t, src.Payees(), dst.Payees())
	assert.Equal(t, src.Categories(), dst.Categories())
	assert.Equal(t, src.Review(), dst.Review())

	got, ok := dst.Transaction(tx.ID)
	require.True(t, ok)
	assert.Equal(t, tx.ImportHash, got.ImportHash)

	v, _ := dst.GetSetting("default_account")
	assert.Equal(t, a.ID, v)
}

func TestSnapshot_ImportReplacesAndKeepsDirtyState(t *testing.T) {
	src, _ := newTestStore(t)
	data, _, err := src.ExportSnapshot()
	require.NoError(t, err)

	dst, old := newTestStore(t)
	require.True(t, dst.ClearDirty(dst.Generation()))

	require.NoError(t, dst.ImportSnapshot(data))

	_, ok := dst.Account(old.ID)
	assert.False(t, ok, "import replaces existing content")
	assert.Len(t, dst.Accounts(), 1)
	assert.False(t, dst.IsDirty())
}

func TestSnapshot_ImportRejectsBadInput(t *testing.T) {
	s := New()

	cases := map[string]string{
		"not json":       "\x00\x01garbage",
		"missing format": `{"accounts":[]}`,
		"future format":  `{"format":2}`,
		"wrong shape":    `{"format":1,"accounts":{"id":"a"}}`,
		"string format":  `{"format":"1"}`,
	}

	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, s.ImportSnapshot([]byte(input)), apperrors.ErrSnapshotFormat)
		})
	}
}

func TestSnapshot_FailedImportLeavesStoreIntact(t *testing.T) {
	s, a := newTestStore(t)

	require.Error(t, s.ImportSnapshot([]byte(`{"format":9}`)))

	_, ok := s.Account(a.ID)
	assert.True(t, ok)
}
