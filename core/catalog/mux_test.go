package catalog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMux_Routing(t *testing.T) {
	t.Parallel()

	px := newFakeCatalog(TypePX)
	px.setRoot(Node{Selector: Selector{Selection: "ssd"}, Kind: KindFolder})
	px.addMeta("A.px", "px table")

	cnmm := newCNMMCatalog()
	cnmm.addMeta("T1", "cnmm table")

	m := NewMux(nil)
	m.Handle("ssd", px)
	m.Handle("STAT", cnmm)
	assert.Equal(t, []string{"STAT", "ssd"}, m.Databases())

	ctx := context.Background()
	res, err := m.ResolveNode(ctx, "ssd", Selector{}, "en")
	require.NoError(t, err)
	assert.True(t, res.Found)
	assert.Equal(t, TypePX, res.Type)

	meta, err := m.TableMetadata(ctx, TypeCNMM, "STAT", "en", "T1")
	require.NoError(t, err)
	assert.Equal(t, "cnmm table", meta.Title)

	res, err = m.ResolveNode(ctx, "NOPE", Selector{}, "en")
	require.NoError(t, err)
	assert.False(t, res.Found)

	_, err = m.TableMetadata(ctx, TypeCNMM, "NOPE", "en", "T1")
	assert.ErrorIs(t, err, ErrUnknownDatabase)

	m.Handle("ssd", nil)
	assert.Equal(t, []string{"STAT"}, m.Databases())
}

func TestMux_Fallback(t *testing.T) {
	t.Parallel()

	fallback := newCNMMCatalog()
	fallback.addMeta("T1", "fallback")
	m := NewMux(fallback)

	meta, err := m.TableMetadata(context.Background(), TypeCNMM, "ANY", "en", "T1")
	require.NoError(t, err)
	assert.Equal(t, "fallback", meta.Title)
}

type forgettingSource struct {
	*fakeCatalog
	forgotten []string
}

func (f *forgettingSource) Forget(database, language, tableID string) {
	f.forgotten = append(f.forgotten, database+"/"+language+"/"+tableID)
}

func (f *forgettingSource) ForgetDatabase(database string) {
	f.forgotten = append(f.forgotten, database)
}

func TestMux_Forget(t *testing.T) {
	t.Parallel()

	src := &forgettingSource{fakeCatalog: newCNMMCatalog()}
	m := NewMux(nil)
	m.Handle("STAT", src)
	m.Handle("PLAIN", newCNMMCatalog())

	m.Forget("STAT", "en", "T1")
	m.ForgetDatabase("STAT")
	m.Forget("PLAIN", "en", "T1")
	m.ForgetDatabase("NOPE")

	assert.Equal(t, []string{"STAT/en/T1", "STAT"}, src.forgotten)
}

type updatingSource struct {
	*fakeCatalog
	since time.Time
}

func (u *updatingSource) UpdatedTables(_ context.Context, since time.Time, database, _ string) ([]TableUpdate, error) {
	u.since = since
	return []TableUpdate{{ID: "T1", Path: database + "/BE"}}, nil
}

func TestMux_UpdatedTables(t *testing.T) {
	t.Parallel()

	src := &updatingSource{fakeCatalog: newCNMMCatalog()}
	m := NewMux(nil)
	m.Handle("STAT", src)
	m.Handle("PLAIN", newCNMMCatalog())
	ctx := context.Background()
	since := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	updates, err := m.UpdatedTables(ctx, since, "STAT", "en")
	require.NoError(t, err)
	assert.Equal(t, []TableUpdate{{ID: "T1", Path: "STAT/BE"}}, updates)
	assert.Equal(t, since, src.since)

	updates, err = m.UpdatedTables(ctx, since, "PLAIN", "en")
	require.NoError(t, err)
	assert.Empty(t, updates)

	_, err = m.UpdatedTables(ctx, since, "NOPE", "en")
	assert.ErrorIs(t, err, ErrUnknownDatabase)
}
