package gateway

import (
	"context"
	"sort"
	"sync"

	"github.com/omalloc/scangate/contrib/log"
)

// Cleanup priorities. Higher runs first, regardless of the order in
// which tasks were registered.
const (
	priorityCloseIcapSocket = 90
	priorityClearBuffer     = 95
	priorityDropTracker     = 100
)

type cleanupTask struct {
	name     string
	priority int
	fn       func() error
}

// cleanupList collects teardown work registered as the request
// progresses. Run executes every task under an error boundary so one
// failing task never skips the rest, and runs at most once.
type cleanupList struct {
	mu    sync.Mutex
	tasks []cleanupTask
	done  bool
}

func newCleanupList() *cleanupList {
	return &cleanupList{tasks: make([]cleanupTask, 0, 4)}
}

func (c *cleanupList) Add(name string, priority int, fn func() error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		// late registration after teardown, run it immediately
		go runIsolated(context.Background(), cleanupTask{name: name, priority: priority, fn: fn})
		return
	}
	c.tasks = append(c.tasks, cleanupTask{name: name, priority: priority, fn: fn})
}

func (c *cleanupList) Run(ctx context.Context) {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return
	}
	c.done = true
	tasks := c.tasks
	c.tasks = nil
	c.mu.Unlock()

	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].priority > tasks[j].priority
	})
	for _, task := range tasks {
		runIsolated(ctx, task)
	}
}

func runIsolated(ctx context.Context, task cleanupTask) {
	defer func() {
		if r := recover(); r != nil {
			log.Context(ctx).Errorf("cleanup %s panicked: %v", task.name, r)
		}
	}()
	if err := task.fn(); err != nil {
		log.Context(ctx).Warnf("cleanup %s: %v", task.name, err)
	}
}
