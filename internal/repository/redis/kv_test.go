package redis

import (
	"context"
	"errors"
	"testing"

	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/and161185/draft-keeper/internal/errs"
)

func TestKV_Get(t *testing.T) {
	db, mock := redismock.NewClientMock()
	kv := New(db)
	ctx := context.Background()

	mock.ExpectGet("dk:draft:a:backup").SetVal(`{"v":1}`)
	mock.ExpectGet("dk:draft:b:backup").RedisNil()

	v, err := kv.Get(ctx, "dk:draft:a:backup")
	require.NoError(t, err)
	require.Equal(t, `{"v":1}`, string(v))

	_, err = kv.Get(ctx, "dk:draft:b:backup")
	require.ErrorIs(t, err, errs.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestKV_Set_OOMIsQuota(t *testing.T) {
	db, mock := redismock.NewClientMock()
	kv := New(db)
	ctx := context.Background()

	mock.ExpectSet("k", []byte("v"), 0).SetVal("OK")
	mock.ExpectSet("k", []byte("big"), 0).
		SetErr(errors.New("OOM command not allowed when used memory > 'maxmemory'."))
	mock.ExpectSet("k", []byte("x"), 0).SetErr(errors.New("READONLY replica"))

	require.NoError(t, kv.Set(ctx, "k", []byte("v")))
	require.ErrorIs(t, kv.Set(ctx, "k", []byte("big")), errs.ErrQuotaExceeded)
	err := kv.Set(ctx, "k", []byte("x"))
	require.Error(t, err)
	require.NotErrorIs(t, err, errs.ErrQuotaExceeded)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestKV_KeysScansAllPages(t *testing.T) {
	db, mock := redismock.NewClientMock()
	kv := New(db)
	ctx := context.Background()

	mock.ExpectScan(0, "dk:draft:*", scanCount).SetVal([]string{"dk:draft:b:backup", "dk:draft:a:backup"}, 7)
	mock.ExpectScan(7, "dk:draft:*", scanCount).SetVal([]string{"dk:draft:a:backup", "dk:draft:c:backup"}, 0)

	keys, err := kv.Keys(ctx, "dk:draft:")
	require.NoError(t, err)
	require.Equal(t, []string{"dk:draft:a:backup", "dk:draft:b:backup", "dk:draft:c:backup"}, keys)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestKV_Delete(t *testing.T) {
	db, mock := redismock.NewClientMock()
	kv := New(db)
	mock.ExpectDel("k").SetVal(1)
	require.NoError(t, kv.Delete(context.Background(), "k"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEscapeGlob(t *testing.T) {
	require.Equal(t, `a\*b\?c\[d\]`, escapeGlob("a*b?c[d]"))
	var _ redis.Cmdable = (*redis.Client)(nil)
}
