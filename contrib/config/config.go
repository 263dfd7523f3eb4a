package config

import (
	"os"
	"os/signal"
	"syscall"

	"dario.cat/mergo"

	"github.com/omalloc/scangate/contrib/log"
	"github.com/omalloc/scangate/pkg/mapstruct"
)

// Observer is config observer.
type Observer[T any] func(string, *T)

// Config is a config interface.
type Config[T any] interface {
	Scan(v *T) error
	Watch(key string, o Observer[T]) error
	Close() error
}

type config[T any] struct {
	opts   *options
	stop   chan struct{}
	signal chan os.Signal

	observers map[string][]Observer[T]
	bc        *T
}

func New[T any](opts ...Option) Config[T] {
	o := &options{
		decoder: defaultDecoder,
	}

	for _, opt := range opts {
		opt(o)
	}

	c := &config[T]{
		opts:      o,
		stop:      make(chan struct{}, 1),
		signal:    make(chan os.Signal, 1),
		observers: make(map[string][]Observer[T]),
		bc:        nil,
	}

	go c.tick()

	return c
}

// Scan merges every source in declaration order (later sources win
// key-by-key) and decodes the merged tree into v. Fields absent from
// all sources keep whatever v already holds, so callers pass a
// defaults-populated struct.
func (c *config[T]) Scan(v *T) error {
	c.bc = v

	merged := make(map[string]any)
	for _, source := range c.opts.sources {
		kvs, err := source.Load()
		if err != nil {
			return err
		}
		for _, kv := range kvs {
			layer := make(map[string]any)
			if err := c.opts.decoder(kv, layer); err != nil {
				log.Errorf("[config] decode key: %s error: %v", kv.Key, err)
				return err
			}
			log.Debugf("[config] load key: %s format: %s", kv.Key, kv.Format)
			if err := mergo.Merge(&merged, layer, mergo.WithOverride); err != nil {
				return err
			}
		}
	}

	return mapstruct.Decode(merged, v)
}

func (c *config[T]) Watch(key string, o Observer[T]) error {
	if c.observers[key] == nil {
		c.observers[key] = make([]Observer[T], 0, 8)
	}
	c.observers[key] = append(c.observers[key], o)
	return nil
}

func (c *config[T]) Close() error {
	c.stop <- struct{}{}
	close(c.stop)
	close(c.signal)

	return nil
}

func (c *config[T]) tick() {
	signal.Notify(c.signal, syscall.SIGHUP)

	notify := make([]<-chan struct{}, 0, len(c.opts.sources))
	for _, source := range c.opts.sources {
		if w, ok := source.(Watcher); ok {
			notify = append(notify, w.Notify())
		}
	}

	changed := make(chan struct{}, 1)
	for _, ch := range notify {
		go func(ch <-chan struct{}) {
			for range ch {
				select {
				case changed <- struct{}{}:
				default:
				}
			}
		}(ch)
	}

	for {
		select {
		case <-c.stop:
			return
		case <-c.signal:
			log.Debug("[config] received SIGHUP")
			c.rescan()
		case <-changed:
			log.Debug("[config] source changed")
			c.rescan()
		}
	}
}

func (c *config[T]) rescan() {
	if c.bc == nil {
		return
	}
	if err := c.Scan(c.bc); err != nil {
		log.Errorf("[config] rescan failed: %v", err)
		return
	}
	for k, observers := range c.observers {
		log.Debugf("[config] upgrade key: %s", k)
		for _, observer := range observers {
			observer(k, c.bc)
		}
	}
}
