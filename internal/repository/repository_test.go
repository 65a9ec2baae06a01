package repository_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/qcflow/internal/model"
	"github.com/ashita-ai/qcflow/internal/plot"
	"github.com/ashita-ai/qcflow/internal/repository"
	"github.com/ashita-ai/qcflow/internal/testutil"
)

func newMO(name string, entries int, validFrom int64, run int) *model.MonitorObject {
	h := plot.NewH1(name, name, 10, 0, 10)
	for range entries {
		h.Fill(1)
	}
	mo := model.NewMonitorObject(name, "task1", "TST", h)
	mo.ValidFrom = validFrom
	mo.Activity = model.Activity{ID: run, Type: 2}
	mo.Metadata["k"] = "v"
	return mo
}

// contract exercises behaviour every backend must share.
func contract(t *testing.T, repo repository.Repository) {
	ctx := context.Background()
	const path = "qc/TST/MO/task1"

	t.Run("latest and by timestamp", func(t *testing.T) {
		require.NoError(t, repo.StoreMO(ctx, newMO("h", 1, 1000, 10)))
		require.NoError(t, repo.StoreMO(ctx, newMO("h", 2, 2000, 10)))
		require.NoError(t, repo.StoreMO(ctx, newMO("h", 3, 3000, 11)))

		mo, err := repo.RetrieveMO(ctx, path, "h", repository.Latest, model.Activity{})
		require.NoError(t, err)
		assert.Equal(t, 3.0, mo.Payload.Entries())
		assert.Equal(t, int64(3000), mo.ValidFrom)
		assert.Equal(t, "v", mo.Metadata["k"])
		assert.Equal(t, "h", mo.Name())

		mo, err = repo.RetrieveMO(ctx, path, "h", 2500, model.Activity{})
		require.NoError(t, err)
		assert.Equal(t, 2.0, mo.Payload.Entries())

		_, err = repo.RetrieveMO(ctx, path, "h", 999, model.Activity{})
		assert.ErrorIs(t, err, repository.ErrNotFound)
	})

	t.Run("activity filter", func(t *testing.T) {
		mo, err := repo.RetrieveMO(ctx, path, "h", repository.Latest, model.Activity{ID: 10})
		require.NoError(t, err)
		assert.Equal(t, int64(2000), mo.ValidFrom)

		_, err = repo.RetrieveMO(ctx, path, "h", repository.Latest, model.Activity{ID: 99})
		assert.ErrorIs(t, err, repository.ErrNotFound)
	})

	t.Run("versions", func(t *testing.T) {
		versions, err := repo.ListVersions(ctx, path+"/h")
		require.NoError(t, err)
		assert.Equal(t, []int64{1000, 2000, 3000}, versions)

		versions, err = repo.ListVersions(ctx, path+"/nothing")
		require.NoError(t, err)
		assert.Empty(t, versions)
	})

	t.Run("quality objects", func(t *testing.T) {
		qo := model.NewQualityObject("C", "TST", "OnAny", model.Bad.WithReason("too many"), []string{"h"})
		qo.ValidFrom = 5000
		require.NoError(t, repo.StoreQO(ctx, qo))

		got, err := repo.RetrieveQO(ctx, "qc/TST/QO/C", repository.Latest, model.Activity{})
		require.NoError(t, err)
		assert.Equal(t, model.LevelBad, got.Quality.Level)
		assert.Equal(t, []string{"too many"}, got.Quality.Reasons)
		assert.Equal(t, qo.ID, got.ID)
		assert.Equal(t, int64(5000), got.ValidFrom)

		// A QO path is not a MO path.
		_, err = repo.RetrieveMO(ctx, "qc/TST/QO", "C", repository.Latest, model.Activity{})
		assert.ErrorIs(t, err, repository.ErrNotFound)
	})

	t.Run("retrievals are independent copies", func(t *testing.T) {
		a, err := repo.RetrieveMO(ctx, path, "h", repository.Latest, model.Activity{})
		require.NoError(t, err)
		a.Payload.(*plot.H1).Fill(2)
		b, err := repo.RetrieveMO(ctx, path, "h", repository.Latest, model.Activity{})
		require.NoError(t, err)
		assert.Equal(t, 3.0, b.Payload.Entries())
	})
}

func TestMemory(t *testing.T) {
	contract(t, repository.NewMemory())
}

func TestSQLite(t *testing.T) {
	ctx := context.Background()
	url := "sqlite:" + filepath.Join(t.TempDir(), "qc.db")
	repo, err := repository.Open(ctx, url, testutil.TestLogger())
	require.NoError(t, err)
	defer repo.Close()
	contract(t, repo)
}

func TestSQLiteMigrationsAreIdempotent(t *testing.T) {
	ctx := context.Background()
	url := "sqlite:" + filepath.Join(t.TempDir(), "qc.db")
	repo, err := repository.Open(ctx, url, testutil.TestLogger())
	require.NoError(t, err)
	require.NoError(t, repo.StoreMO(ctx, newMO("h", 1, 1000, 1)))
	require.NoError(t, repo.Close())

	repo, err = repository.Open(ctx, url, testutil.TestLogger())
	require.NoError(t, err)
	defer repo.Close()
	mo, err := repo.RetrieveMO(ctx, "qc/TST/MO/task1", "h", repository.Latest, model.Activity{})
	require.NoError(t, err)
	assert.Equal(t, int64(1000), mo.ValidFrom)
}

func TestPostgres(t *testing.T) {
	if testing.Short() || !testutil.PostgresEnabled() {
		t.Skipf("set %s to run container-backed tests", testutil.EnvPostgres)
	}
	ctx := context.Background()
	tc, err := testutil.StartPostgres(ctx)
	if err != nil {
		t.Skip(err)
	}
	defer tc.Terminate()

	repo, err := repository.Open(ctx, tc.DSN, testutil.TestLogger())
	require.NoError(t, err)
	defer repo.Close()
	contract(t, repo)
}

func TestOpenRejectsUnknownScheme(t *testing.T) {
	_, err := repository.Open(context.Background(), "ftp://x", nil)
	assert.ErrorIs(t, err, repository.ErrUnsupportedURL)
}

// countingRepo counts backend retrievals and blocks them until released.
type countingRepo struct {
	repository.Repository
	mu      sync.Mutex
	calls   int
	started chan struct{}
	release chan struct{}
}

func (c *countingRepo) RetrieveMO(ctx context.Context, path, name string, ts int64, a model.Activity) (*model.MonitorObject, error) {
	c.mu.Lock()
	c.calls++
	first := c.calls == 1
	c.mu.Unlock()
	if first {
		close(c.started)
	}
	<-c.release
	return c.Repository.RetrieveMO(ctx, path, name, ts, a)
}

func TestDedupSharesConcurrentRetrievals(t *testing.T) {
	ctx := context.Background()
	mem := repository.NewMemory()
	require.NoError(t, mem.StoreMO(ctx, newMO("h", 4, 1000, 1)))
	backend := &countingRepo{Repository: mem, started: make(chan struct{}), release: make(chan struct{})}
	repo := repository.NewDedup(backend)

	const n = 8
	results := make([]*model.MonitorObject, n)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		mo, err := repo.RetrieveMO(ctx, "qc/TST/MO/task1", "h", repository.Latest, model.Activity{})
		assert.NoError(t, err)
		results[0] = mo
	}()
	<-backend.started
	for i := 1; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mo, err := repo.RetrieveMO(ctx, "qc/TST/MO/task1", "h", repository.Latest, model.Activity{})
			assert.NoError(t, err)
			results[i] = mo
		}()
	}
	// Give the waiters time to join the in-flight call.
	time.Sleep(50 * time.Millisecond)
	close(backend.release)
	wg.Wait()

	backend.mu.Lock()
	calls := backend.calls
	backend.mu.Unlock()
	assert.Less(t, calls, n)
	for i := 1; i < n; i++ {
		require.NotNil(t, results[i])
		assert.NotSame(t, results[0], results[i])
		assert.Equal(t, 4.0, results[i].Payload.Entries())
	}
}
