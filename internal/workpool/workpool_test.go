package workpool

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunAllSucceeds(t *testing.T) {
	p := New(4, 64)
	defer p.Shutdown()

	var sum int64
	payloads := make([]interface{}, 0, 10)
	for i := 1; i <= 10; i++ {
		payloads = append(payloads, i)
	}

	err := p.RunAll(payloads, func(payload interface{}) error {
		atomic.AddInt64(&sum, int64(payload.(int)))
		return nil
	})

	assert.NoError(t, err)
	assert.EqualValues(t, 55, sum)
}

func TestRunAllCollectsErrors(t *testing.T) {
	p := New(2, 64)
	defer p.Shutdown()

	payloads := []interface{}{1, 2, 3}
	err := p.RunAll(payloads, func(payload interface{}) error {
		if payload.(int) == 2 {
			return errors.New("boom")
		}
		return nil
	})

	assert.Error(t, err)
}

func TestRunAllEmptyIsNoop(t *testing.T) {
	p := New(1, 1)
	defer p.Shutdown()

	err := p.RunAll(nil, func(interface{}) error {
		t.Fatal("should not be called")
		return nil
	})
	assert.NoError(t, err)
}

func TestRunAllRejectsOversizedBatch(t *testing.T) {
	p := New(1, 2)
	defer p.Shutdown()

	err := p.RunAll([]interface{}{1, 2, 3}, func(interface{}) error { return nil })
	assert.Error(t, err)
}
