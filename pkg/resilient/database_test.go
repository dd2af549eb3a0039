package resilient

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/hato/config"
	"github.com/migadu/hato/db"
)

func newTestManager(newDatabase func(ctx context.Context, cfg *config.DatabaseConfig) (*db.Database, error)) *ResilientDatabase {
	rd := New(&config.DatabaseConfig{
		Host:           "localhost",
		User:           "hato",
		Name:           "hato",
		QueryTimeout:   "5s",
		ConnectTimeout: "1s",
	})
	rd.connectBackoff.InitialInterval = time.Millisecond
	rd.connectBackoff.MaxInterval = 2 * time.Millisecond
	rd.connectBackoff.Jitter = false
	rd.newDatabase = newDatabase
	return rd
}

func TestNewDoesNotConnect(t *testing.T) {
	var dials atomic.Int64
	rd := newTestManager(func(ctx context.Context, cfg *config.DatabaseConfig) (*db.Database, error) {
		dials.Add(1)
		return &db.Database{}, nil
	})

	assert.Equal(t, int64(0), dials.Load(), "construction must not touch the network")
	assert.Nil(t, rd.getDatabase())
}

func TestConnectIsSingleFlight(t *testing.T) {
	var dials atomic.Int64
	rd := newTestManager(func(ctx context.Context, cfg *config.DatabaseConfig) (*db.Database, error) {
		dials.Add(1)
		time.Sleep(20 * time.Millisecond)
		return &db.Database{}, nil
	})

	const callers = 16
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := rd.Connect(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), dials.Load(), "concurrent callers must share one connect attempt")
}

func TestConnectRetriesWithBackoff(t *testing.T) {
	var dials atomic.Int64
	rd := newTestManager(func(ctx context.Context, cfg *config.DatabaseConfig) (*db.Database, error) {
		if dials.Add(1) < 3 {
			return nil, errors.New("dial tcp: connection refused")
		}
		return &db.Database{}, nil
	})

	_, err := rd.Connect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), dials.Load())
}

func TestConnectFailureSurfacesAfterRetries(t *testing.T) {
	rd := newTestManager(func(ctx context.Context, cfg *config.DatabaseConfig) (*db.Database, error) {
		return nil, errors.New("dial tcp: connection refused")
	})

	_, err := rd.Connect(context.Background())
	assert.Error(t, err)
	assert.Nil(t, rd.getDatabase())
}

func TestOperationRetriesOnceOnConnectionError(t *testing.T) {
	var dials atomic.Int64
	rd := newTestManager(func(ctx context.Context, cfg *config.DatabaseConfig) (*db.Database, error) {
		dials.Add(1)
		return &db.Database{}, nil
	})

	var calls int
	err := rd.withConnRetry(context.Background(), func(d *db.Database) error {
		calls++
		if calls == 1 {
			return errors.New("write: broken pipe")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls, "a connection-classified failure is retried exactly once")
	assert.Equal(t, int64(2), dials.Load(), "the retry must run on a fresh connection")
}

func TestOperationDoesNotRetryStatementErrors(t *testing.T) {
	rd := newTestManager(func(ctx context.Context, cfg *config.DatabaseConfig) (*db.Database, error) {
		return &db.Database{}, nil
	})

	statementErr := errors.New("violates check constraint")
	var calls int
	err := rd.withConnRetry(context.Background(), func(d *db.Database) error {
		calls++
		return statementErr
	})
	assert.ErrorIs(t, err, statementErr)
	assert.Equal(t, 1, calls)
}

func TestOperationRetryFailsAtMostOnce(t *testing.T) {
	rd := newTestManager(func(ctx context.Context, cfg *config.DatabaseConfig) (*db.Database, error) {
		return &db.Database{}, nil
	})

	connErr := errors.New("write: broken pipe")
	var calls int
	err := rd.withConnRetry(context.Background(), func(d *db.Database) error {
		calls++
		return connErr
	})
	assert.ErrorIs(t, err, connErr)
	assert.Equal(t, 2, calls, "no second retry after the retried attempt fails")
}

func TestReconnectFailureSurfacesOriginalError(t *testing.T) {
	var dials atomic.Int64
	rd := newTestManager(func(ctx context.Context, cfg *config.DatabaseConfig) (*db.Database, error) {
		if dials.Add(1) > 1 {
			return nil, errors.New("dial tcp: connection refused")
		}
		return &db.Database{}, nil
	})

	opErr := errors.New("write: broken pipe")
	err := rd.withConnRetry(context.Background(), func(d *db.Database) error {
		return opErr
	})
	assert.ErrorIs(t, err, opErr, "the operation error wins over the reconnect error")
}

func TestPingFailureMarksHandleSuspect(t *testing.T) {
	rd := newTestManager(func(ctx context.Context, cfg *config.DatabaseConfig) (*db.Database, error) {
		return &db.Database{}, nil
	})
	rd.probe = func(ctx context.Context, d *db.Database) error {
		return errors.New("read: connection reset by peer")
	}

	current, err := rd.Connect(context.Background())
	require.NoError(t, err)

	assert.Error(t, rd.Ping(context.Background()))
	assert.True(t, rd.suspect.Load())
	assert.Same(t, current, rd.getDatabase(), "a failed probe must not tear the handle down")
}

func TestSuspectHandleReprobedAndReconnected(t *testing.T) {
	var dials atomic.Int64
	rd := newTestManager(func(ctx context.Context, cfg *config.DatabaseConfig) (*db.Database, error) {
		dials.Add(1)
		return &db.Database{}, nil
	})
	rd.probe = func(ctx context.Context, d *db.Database) error {
		return errors.New("read: connection reset by peer")
	}

	_, err := rd.Connect(context.Background())
	require.NoError(t, err)
	require.Error(t, rd.Ping(context.Background()))

	// The next operation re-probes the suspect handle, finds it dead and
	// runs against a fresh connection.
	rd.probe = func(ctx context.Context, d *db.Database) error {
		if dials.Load() < 2 {
			return errors.New("read: connection reset by peer")
		}
		return nil
	}
	var calls int
	err = rd.withConnRetry(context.Background(), func(d *db.Database) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, int64(2), dials.Load(), "a dead suspect handle must be replaced before the operation runs")
	assert.False(t, rd.suspect.Load())
}

func TestSuspectHandleClearedByHealthyProbe(t *testing.T) {
	var dials atomic.Int64
	rd := newTestManager(func(ctx context.Context, cfg *config.DatabaseConfig) (*db.Database, error) {
		dials.Add(1)
		return &db.Database{}, nil
	})

	var probes atomic.Int64
	rd.probe = func(ctx context.Context, d *db.Database) error {
		if probes.Add(1) == 1 {
			return errors.New("read: connection reset by peer")
		}
		return nil
	}

	current, err := rd.Connect(context.Background())
	require.NoError(t, err)
	require.Error(t, rd.Ping(context.Background()))

	err = rd.withConnRetry(context.Background(), func(d *db.Database) error {
		assert.Same(t, current, d, "a probe blip must not force a reconnect")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), dials.Load())
	assert.False(t, rd.suspect.Load(), "a healthy re-probe clears the suspicion")
}

func TestMarkDisconnectedIgnoresStaleHandle(t *testing.T) {
	rd := newTestManager(func(ctx context.Context, cfg *config.DatabaseConfig) (*db.Database, error) {
		return &db.Database{}, nil
	})

	current, err := rd.Connect(context.Background())
	require.NoError(t, err)

	stale := &db.Database{}
	rd.markDisconnected(stale)
	assert.Same(t, current, rd.getDatabase(), "a stale handle must not tear down the live one")

	rd.markDisconnected(current)
	assert.Nil(t, rd.getDatabase())
}

func TestCloseDropsHandle(t *testing.T) {
	rd := newTestManager(func(ctx context.Context, cfg *config.DatabaseConfig) (*db.Database, error) {
		return &db.Database{}, nil
	})

	_, err := rd.Connect(context.Background())
	require.NoError(t, err)

	rd.Close()
	assert.Nil(t, rd.getDatabase())
}
