package connpool

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPerHostLimitGatesConcurrency(t *testing.T) {
	p := New(2, 1)
	assert.True(t, p.TryAcquire("a.example"))
	assert.True(t, p.TryAcquire("a.example"))
	assert.False(t, p.TryAcquire("a.example"))

	p.Release("a.example")
	assert.True(t, p.TryAcquire("a.example"))
}

func TestHostsAreIndependent(t *testing.T) {
	p := New(1, 1)
	assert.True(t, p.TryAcquire("a.example"))
	assert.True(t, p.TryAcquire("b.example"))
}

func TestSetHTTP2SwitchesLimitClass(t *testing.T) {
	p := New(6, 2)
	assert.True(t, p.TryAcquire("h2.example"))
	p.Release("h2.example")

	p.SetHTTP2("h2.example")
	assert.True(t, p.TryAcquire("h2.example"))
	assert.True(t, p.TryAcquire("h2.example"))
	assert.False(t, p.TryAcquire("h2.example"))
}

func TestAcquireBlocksUntilCancelled(t *testing.T) {
	p := New(1, 1)
	assert.True(t, p.TryAcquire("a.example"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, p.Acquire(ctx, "a.example"))
}
