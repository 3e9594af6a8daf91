package CopperCore

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTileServer(t *testing.T) {
	tif := writeProbabilityRaster(t, t.TempDir(), 0.9)
	ts, err := NewTileServer(tif, &TileServerOptions{PoolSize: 2})
	require.NoError(t, err)
	defer ts.Close()

	srv := httptest.NewServer(ts.Handler())
	defer srv.Close()

	get := func(path string) *http.Response {
		resp, err := srv.Client().Get(srv.URL + path)
		require.NoError(t, err)
		return resp
	}

	// 与数据相交
	resp := get("/tiles/8/135/92.png")
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	assert.Equal(t, "\x89PNG", string(body[:4]))

	resp = get("/tiles/8/0/0.png")
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = get("/tiles/2/9/0.png")
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = get("/tiles/a/b/c.png")
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = get("/bounds")
	var meta struct {
		Bounds []float64 `json:"bounds"`
		Format string    `json:"format"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&meta))
	resp.Body.Close()
	assert.Equal(t, "png", meta.Format)
	require.Len(t, meta.Bounds, 4)
	assert.InDelta(t, 10, meta.Bounds[0], 1e-3)
	assert.InDelta(t, 45.256, meta.Bounds[3], 1e-3)
}

func TestTileServerPoolSizeDefaults(t *testing.T) {
	tif := writeProbabilityRaster(t, t.TempDir(), 0.5)
	for _, tc := range []struct{ requested, want int }{{0, 4}, {-3, 4}, {2, 2}} {
		ts, err := NewTileServer(tif, &TileServerOptions{PoolSize: tc.requested})
		require.NoError(t, err)
		assert.Equal(t, tc.want, ts.PoolSize(), "requested %d", tc.requested)
		ts.Close()
	}
}

func TestTileServerConcurrentRequests(t *testing.T) {
	tif := writeProbabilityRaster(t, t.TempDir(), 0.6)
	ts, err := NewTileServer(tif, &TileServerOptions{PoolSize: 1})
	require.NoError(t, err)
	defer ts.Close()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(y int) {
			defer wg.Done()
			if _, err := ts.GetTile(9, 270, 183+y%2); err != nil {
				errs <- fmt.Errorf("tile y=%d: %w", y, err)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}
