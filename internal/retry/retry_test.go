package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestTryActionSucceedsAfterFailures(t *testing.T) {
	calls := 0
	ok := TryAction(context.Background(), zap.NewNop(), "click", 3, time.Millisecond, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	})

	assert.True(t, ok)
	assert.Equal(t, 3, calls)
}

func TestTryActionExhausts(t *testing.T) {
	calls := 0
	ok := TryAction(context.Background(), zap.NewNop(), "click", 2, 0, func(ctx context.Context) error {
		calls++
		return errors.New("boom")
	})

	assert.False(t, ok)
	assert.Equal(t, 2, calls)
}

func TestTryActionRunsAtLeastOnce(t *testing.T) {
	calls := 0
	ok := TryAction(context.Background(), zap.NewNop(), "click", 0, 0, func(ctx context.Context) error {
		calls++
		return nil
	})

	assert.True(t, ok)
	assert.Equal(t, 1, calls)
}

func TestTryActionStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	ok := TryAction(ctx, zap.NewNop(), "click", 5, time.Hour, func(ctx context.Context) error {
		calls++
		cancel()
		return errors.New("boom")
	})

	assert.False(t, ok)
	assert.Equal(t, 1, calls)
}

func TestTryStrategiesInOrderStopsAtFirstSuccess(t *testing.T) {
	var order []string
	strategies := []Strategy[string]{
		{Name: "primary", Run: func(ctx context.Context) (string, error) {
			order = append(order, "primary")
			return "", errors.New("no download")
		}},
		{Name: "secondary", Run: func(ctx context.Context) (string, error) {
			order = append(order, "secondary")
			return "file.pdf", nil
		}},
		{Name: "tertiary", Run: func(ctx context.Context) (string, error) {
			order = append(order, "tertiary")
			return "other.pdf", nil
		}},
	}

	result, err := TryStrategiesInOrder(context.Background(), zap.NewNop(), strategies)
	require.NoError(t, err)
	assert.Equal(t, "file.pdf", result.Value)
	assert.Equal(t, "secondary", result.Strategy)
	assert.Equal(t, []string{"primary", "secondary"}, order)
	assert.Len(t, result.Attempts, 2)
}

func TestTryStrategiesInOrderExhausted(t *testing.T) {
	errA := errors.New("a failed")
	errB := errors.New("b failed")
	strategies := []Strategy[int]{
		{Name: "a", Run: func(ctx context.Context) (int, error) { return 0, errA }},
		{Name: "b", Run: func(ctx context.Context) (int, error) { return 0, errB }},
	}

	result, err := TryStrategiesInOrder(context.Background(), zap.NewNop(), strategies)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.ErrorIs(t, err, errA)
	assert.ErrorIs(t, err, errB)
	assert.Empty(t, result.Strategy)
	assert.Len(t, result.Attempts, 2)
}

func TestTryStrategiesInOrderEmpty(t *testing.T) {
	_, err := TryStrategiesInOrder[int](context.Background(), zap.NewNop(), nil)
	assert.ErrorIs(t, err, ErrExhausted)
}

func TestSleep(t *testing.T) {
	assert.True(t, Sleep(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, Sleep(ctx, time.Hour))
	assert.False(t, Sleep(ctx, 0))
}
