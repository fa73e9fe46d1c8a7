package buffer

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/imageflow/internal/cache"
	"github.com/BaSui01/imageflow/types"
)

func setupStore(t *testing.T) (*miniredis.Miniredis, *Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	m, err := cache.NewManager(cache.Config{Addr: mr.Addr(), KeyPrefix: "imageflow"}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return mr, NewStore(m, time.Hour, zap.NewNop(), nil)
}

func putEntry(t *testing.T, s *Store, owner string, data []byte) *Entry {
	t.Helper()
	e, err := s.Put(context.Background(), Entry{
		Owner:    owner,
		ParentID: 7,
		MimeType: "image/png",
		Width:    640,
		Height:   480,
		Context:  Context{Provider: "gemini", Model: "gemini-2.5-flash-image", Prompt: "add fog", Action: "edit", Mode: "buffer"},
	}, data)
	require.NoError(t, err)
	return e
}

func TestStore_PutAndReadTwice(t *testing.T) {
	mr, s := setupStore(t)
	ctx := context.Background()
	e := putEntry(t, s, "alice", []byte("png-bytes"))

	assert.Len(t, e.Token, 32)
	assert.True(t, mr.Exists("imageflow:buffer:"+e.Token))
	assert.True(t, mr.Exists("imageflow:buffer:"+e.Token+":data"))

	first, data1, err := s.Read(ctx, "alice", e.Token)
	require.NoError(t, err)
	second, data2, err := s.Read(ctx, "alice", e.Token)
	require.NoError(t, err)

	assert.Equal(t, data1, data2)
	assert.Equal(t, []byte("png-bytes"), data1)
	assert.Equal(t, first.Width, second.Width)
	assert.Equal(t, first.Height, second.Height)
	assert.Equal(t, uint(7), first.ParentID)
	assert.Equal(t, "add fog", first.Context.Prompt)
}

func TestStore_ReadRefreshesTTL(t *testing.T) {
	mr, s := setupStore(t)
	ctx := context.Background()
	e := putEntry(t, s, "alice", []byte("x"))

	mr.FastForward(50 * time.Minute)
	_, _, err := s.Read(ctx, "alice", e.Token)
	require.NoError(t, err)

	mr.FastForward(50 * time.Minute)
	_, _, err = s.Read(ctx, "alice", e.Token)
	require.NoError(t, err, "owner read must extend the lifetime")

	mr.FastForward(61 * time.Minute)
	_, _, err = s.Read(ctx, "alice", e.Token)
	assert.True(t, types.IsCode(err, types.ErrNotFound))
}

func TestStore_ForeignOwnerIsNotFound(t *testing.T) {
	mr, s := setupStore(t)
	ctx := context.Background()
	e := putEntry(t, s, "alice", []byte("x"))

	mr.FastForward(59 * time.Minute)
	_, _, err := s.Read(ctx, "mallory", e.Token)
	assert.True(t, types.IsCode(err, types.ErrNotFound))
	_, _, err = s.Take(ctx, "mallory", e.Token)
	assert.True(t, types.IsCode(err, types.ErrNotFound))

	// 非所有者的访问不刷新 TTL
	mr.FastForward(2 * time.Minute)
	_, _, err = s.Read(ctx, "alice", e.Token)
	assert.True(t, types.IsCode(err, types.ErrNotFound))
}

func TestStore_TakeIsTerminal(t *testing.T) {
	_, s := setupStore(t)
	ctx := context.Background()
	e := putEntry(t, s, "alice", []byte("x"))

	got, data, err := s.Take(ctx, "alice", e.Token)
	require.NoError(t, err)
	assert.Equal(t, e.Token, got.Token)
	assert.Equal(t, []byte("x"), data)

	_, _, err = s.Take(ctx, "alice", e.Token)
	assert.True(t, types.IsCode(err, types.ErrNotFound))
	_, _, err = s.Read(ctx, "alice", e.Token)
	assert.True(t, types.IsCode(err, types.ErrNotFound))
}

func TestStore_MissingDataDropsEntry(t *testing.T) {
	mr, s := setupStore(t)
	ctx := context.Background()
	e := putEntry(t, s, "alice", []byte("x"))

	mr.Del("imageflow:buffer:" + e.Token + ":data")
	_, _, err := s.Read(ctx, "alice", e.Token)
	assert.True(t, types.IsCode(err, types.ErrNotFound))
	assert.False(t, mr.Exists("imageflow:buffer:"+e.Token))
}

func TestStore_RestoreAfterTake(t *testing.T) {
	_, s := setupStore(t)
	ctx := context.Background()
	e := putEntry(t, s, "alice", []byte("payload"))

	entry, data, err := s.Take(ctx, "alice", e.Token)
	require.NoError(t, err)
	require.NoError(t, s.Restore(ctx, *entry, data))

	again, got, err := s.Read(ctx, "alice", e.Token)
	require.NoError(t, err)
	assert.Equal(t, e.Token, again.Token)
	assert.Equal(t, []byte("payload"), got)
}

func TestStore_RejectsBadInput(t *testing.T) {
	_, s := setupStore(t)
	ctx := context.Background()

	_, _, err := s.Read(ctx, "alice", "../../etc")
	assert.True(t, types.IsCode(err, types.ErrNotFound))

	_, err = s.Put(ctx, Entry{}, []byte("x"))
	assert.True(t, types.IsCode(err, types.ErrInvalidInput))

	_, err = s.Put(ctx, Entry{Owner: "alice"}, nil)
	assert.True(t, types.IsCode(err, types.ErrInvalidInput))
}

func TestStore_ClosedCacheIsStorageError(t *testing.T) {
	mr := miniredis.RunT(t)
	m, err := cache.NewManager(cache.Config{Addr: mr.Addr(), KeyPrefix: "imageflow"}, zap.NewNop())
	require.NoError(t, err)
	s := NewStore(m, 0, nil, nil)
	require.NoError(t, m.Close())

	_, err = s.Put(context.Background(), Entry{Owner: "alice"}, []byte("x"))
	assert.True(t, types.IsCode(err, types.ErrStorage))
	assert.Equal(t, DefaultTTL, s.TTL())
}
