package fake

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAfterFiresOnlyWhenDue(t *testing.T) {
	t.Parallel()

	start := time.Date(2015, 1, 2, 3, 4, 5, 0, time.UTC)
	clk := New(start)
	ch := clk.After(time.Second)
	require.Equal(t, 1, clk.Waiters())

	clk.Advance(500 * time.Millisecond)
	select {
	case <-ch:
		t.Fatal("timer fired early")
	default:
	}

	clk.Advance(500 * time.Millisecond)
	select {
	case got := <-ch:
		require.Equal(t, start.Add(time.Second), got)
	default:
		t.Fatal("timer did not fire")
	}
	require.Zero(t, clk.Waiters())
}

func TestAfterNonPositiveFiresImmediately(t *testing.T) {
	t.Parallel()

	clk := New(time.Unix(0, 0))
	select {
	case <-clk.After(0):
	default:
		t.Fatal("expected immediate fire")
	}
}
