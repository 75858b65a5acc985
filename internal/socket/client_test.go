package socket

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"
)

func TestClientEnqueue_WaitsForRoom(t *testing.T) {
	c := newClient(nil, nil, "sock")
	const total = sendBuffer + 44

	errs := make(chan error, 1)
	go func() {
		for i := range total {
			if err := c.enqueue(context.Background(), []byte(strconv.Itoa(i))); err != nil {
				errs <- err
				return
			}
		}
		errs <- nil
	}()

	// Let the producer fill the buffer before the writer starts draining.
	time.Sleep(50 * time.Millisecond)
	for i := range total {
		select {
		case frame := <-c.send:
			if string(frame) != strconv.Itoa(i) {
				t.Fatalf("frame %d = %q, out of order", i, frame)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("only %d of %d frames delivered", i, total)
		}
	}
	if err := <-errs; err != nil {
		t.Fatalf("enqueue() error = %v", err)
	}
}

func TestClientEnqueue_FullBufferHonorsContext(t *testing.T) {
	c := newClient(nil, nil, "sock")
	for range sendBuffer {
		if err := c.enqueue(context.Background(), []byte("x")); err != nil {
			t.Fatal(err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := c.enqueue(ctx, []byte("late")); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("enqueue() on a full buffer = %v, want deadline exceeded", err)
	}
}

func TestClientEnqueue_GoneClient(t *testing.T) {
	c := newClient(nil, nil, "sock")
	for range sendBuffer {
		c.enqueue(context.Background(), []byte("x"))
	}

	result := make(chan error, 1)
	go func() { result <- c.enqueue(context.Background(), []byte("blocked")) }()
	close(c.done)

	select {
	case err := <-result:
		if !errors.Is(err, errClientGone) {
			t.Errorf("enqueue() = %v, want errClientGone", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("enqueue() stayed blocked after the client went away")
	}
}
