package gateway

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeCloser struct {
	closed int
	err    error
}

func (f *fakeCloser) Close() error {
	f.closed++
	return f.err
}

func TestTrackerReleaseOnce(t *testing.T) {
	tr := newTracker()
	c := &fakeCloser{}

	id := tr.Track(ResourceSocket, 0, c)
	assert.NoError(t, tr.Release(id))
	assert.Equal(t, 1, c.closed)

	// second release is a no-op
	assert.NoError(t, tr.Release(id))
	assert.Equal(t, 1, c.closed)

	// release-all does not revisit it either
	assert.NoError(t, tr.ReleaseAll())
	assert.Equal(t, 1, c.closed)
}

func TestTrackerReleaseAll(t *testing.T) {
	tr := newTracker()
	a := &fakeCloser{}
	b := &fakeCloser{err: errors.New("broken pipe")}

	tr.Track(ResourceSocket, 0, a)
	tr.Track(ResourceSocket, 0, b)
	tr.Track(ResourceSpool, 0, nil)

	err := tr.ReleaseAll()
	assert.Error(t, err)
	assert.Equal(t, 1, a.closed)
	assert.Equal(t, 1, b.closed)
	assert.Equal(t, 0, tr.Stats().Active)
}

func TestTrackerPeakMemory(t *testing.T) {
	tr := newTracker()

	id := tr.Track(ResourceSpool, 100, nil)
	tr.Touch(id, 5000)
	tr.Touch(id, 200)

	assert.Equal(t, int64(5000), tr.Stats().PeakMemory)
	assert.Equal(t, 1, tr.Stats().Active)
}

func TestCleanupOrderAndIsolation(t *testing.T) {
	c := newCleanupList()
	var order []string

	c.Add("socket", priorityCloseIcapSocket, func() error {
		order = append(order, "socket")
		return nil
	})
	c.Add("panicky", 97, func() error {
		order = append(order, "panicky")
		panic("boom")
	})
	c.Add("buffer", priorityClearBuffer, func() error {
		order = append(order, "buffer")
		return errors.New("already gone")
	})
	c.Add("tracker", priorityDropTracker, func() error {
		order = append(order, "tracker")
		return nil
	})

	c.Run(t.Context())

	// descending priority, and neither the panic nor the error skipped
	// the remaining tasks
	assert.Equal(t, []string{"tracker", "panicky", "buffer", "socket"}, order)

	// run is one-shot
	c.Run(t.Context())
	assert.Len(t, order, 4)
}
