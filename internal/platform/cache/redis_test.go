package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func TestClientOptionsKeepTimeoutsTight(t *testing.T) {
	opts := clientOptions("127.0.0.1:6379")
	require.Equal(t, "127.0.0.1:6379", opts.Addr)
	require.Equal(t, 2*time.Second, opts.DialTimeout)
	require.Equal(t, time.Second, opts.ReadTimeout)
	require.Equal(t, time.Second, opts.WriteTimeout)
}

func TestNewPingsServer(t *testing.T) {
	srv := miniredis.RunT(t)
	addr := srv.Addr()
	client, err := New(context.Background(), addr)
	require.NoError(t, err)
	require.NoError(t, client.Close())

	srv.Close()
	_, err = New(context.Background(), addr)
	require.Error(t, err)
}
