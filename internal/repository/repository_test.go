package repository

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/geoingest/pkg/layer"
)

type mockClient struct {
	Client
	listFn func(ctx context.Context, resID string) ([]FileInfo, error)
}

func (m *mockClient) ListFiles(ctx context.Context, resID string) ([]FileInfo, error) {
	return m.listFn(ctx, resID)
}

func listing(sizes ...int64) *mockClient {
	return &mockClient{listFn: func(context.Context, string) ([]FileInfo, error) {
		files := make([]FileInfo, 0, len(sizes))
		for i, s := range sizes {
			files = append(files, FileInfo{Name: string(rune('a' + i)), Size: s})
		}
		return files, nil
	}}
}

func TestCheckSize(t *testing.T) {
	tests := []struct {
		name    string
		sizes   []int64
		limit   uint64
		tooBig  bool
		wantLen int
	}{
		{"under limit", []int64{100, 200}, 1000, false, 2},
		{"exactly at limit", []int64{500, 500}, 1000, false, 2},
		{"over limit", []int64{600, 500}, 1000, true, 0},
		{"disabled", []int64{1 << 40}, 0, false, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			files, err := CheckSize(context.Background(), listing(tt.sizes...), "r1", tt.limit)
			if tt.tooBig {
				require.Error(t, err)
				assert.True(t, errors.Is(err, layer.ErrTooLarge))
				assert.Contains(t, layer.UserMessage(err), "too large")
				return
			}
			require.NoError(t, err)
			assert.Len(t, files, tt.wantLen)
		})
	}
}

func TestCheckSize_ListError(t *testing.T) {
	c := &mockClient{listFn: func(context.Context, string) ([]FileInfo, error) {
		return nil, layer.NewError(layer.KindNotFound, "list", "", nil)
	}}
	_, err := CheckSize(context.Background(), c, "r1", 10)
	assert.True(t, errors.Is(err, layer.ErrNotFound))
}

func TestProviderFunc(t *testing.T) {
	want := listing(1)
	p := ProviderFunc(func(_ context.Context, creds Credentials) (Client, error) {
		assert.Equal(t, "alice", creds.Username)
		return want, nil
	})
	got, err := p.ForUser(context.Background(), Credentials{Username: "alice"})
	require.NoError(t, err)
	assert.Same(t, want, got)
}
