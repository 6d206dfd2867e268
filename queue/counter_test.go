package queue_test

import (
	"time"

	"github.com/relaygrid/pipestage/queue"
	gc "gopkg.in/check.v1"
)

var _ = gc.Suite(new(WaitCounterTestSuite))

type WaitCounterTestSuite struct{}

func (s *WaitCounterTestSuite) TestWaitReturnsImmediatelyWhenZero(c *gc.C) {
	counter := queue.NewWaitCounter(0)
	done := make(chan struct{})
	go func() {
		counter.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		c.Fatal("Wait did not return for a zero-initialized counter")
	}
}

func (s *WaitCounterTestSuite) TestWaitBlocksUntilAllDecrements(c *gc.C) {
	counter := queue.NewWaitCounter(3)
	done := make(chan struct{})
	go func() {
		counter.Wait()
		close(done)
	}()

	counter.Decrement()
	counter.Decrement()

	select {
	case <-done:
		c.Fatal("Wait returned before the counter reached zero")
	case <-time.After(20 * time.Millisecond):
	}

	counter.Decrement()

	select {
	case <-done:
	case <-time.After(time.Second):
		c.Fatal("Wait did not return once the counter reached zero")
	}
	c.Assert(counter.Remaining(), gc.Equals, 0)
}

func (s *WaitCounterTestSuite) TestExtraDecrementIsIgnored(c *gc.C) {
	counter := queue.NewWaitCounter(1)
	counter.Decrement()
	counter.Decrement()
	c.Assert(counter.Remaining(), gc.Equals, 0)
}
