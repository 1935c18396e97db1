package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFake_AdvanceFiresCrossedTickers(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewFake(start)
	tk := c.NewTicker(30 * time.Second)

	c.Advance(29 * time.Second)
	select {
	case <-tk.C():
		t.Fatal("ticker fired before its deadline")
	default:
	}

	c.Advance(time.Second)
	select {
	case at := <-tk.C():
		assert.Equal(t, start.Add(30*time.Second), at)
	default:
		t.Fatal("ticker did not fire at its deadline")
	}
}

func TestFake_StoppedTickerNeverFires(t *testing.T) {
	c := NewFake(time.Now())
	tk := c.NewTicker(time.Second)
	tk.Stop()

	c.Advance(time.Minute)
	select {
	case <-tk.C():
		t.Fatal("stopped ticker fired")
	default:
	}
	assert.Equal(t, 0, c.Tickers())
}

func TestFake_WaitForTickers(t *testing.T) {
	c := NewFake(time.Now())
	go func() {
		time.Sleep(10 * time.Millisecond)
		c.NewTicker(time.Second)
	}()
	require.True(t, c.WaitForTickers(1, time.Second))
	assert.False(t, c.WaitForTickers(2, 20*time.Millisecond))
}
