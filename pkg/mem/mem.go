package mem

import (
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/ulule/deepcopier"
)

// Data is a value the cache can fill on a miss.
type Data interface {
	Fulfill(key string) error
}

// Cache holds two generations of values. Every rotation the current
// generation becomes the previous one, so a value lives between one and two
// intervals. Concurrent misses on the same key share a single Fulfill call.
type Cache struct {
	mu       sync.RWMutex
	previous *sync.Map
	current  *sync.Map
	inflight *sync.Map // key => *flight while filling
	rotate   *time.Ticker
}

// flight is one Fulfill call shared by concurrent misses. err is only read
// after done is closed.
type flight struct {
	done chan struct{}
	err  error
}

// New creates a cache rotating its generations every interval.
func New(interval time.Duration) *Cache {
	return &Cache{
		previous: &sync.Map{},
		current:  &sync.Map{},
		inflight: &sync.Map{},
		rotate:   time.NewTicker(interval),
	}
}

// Remember fills dst from the cache, calling dst.Fulfill on a miss.
// dst must be a non-nil pointer to a struct with exported fields.
func (c *Cache) Remember(dst Data, key string) error {
	rv := reflect.ValueOf(dst)
	if rv.Kind() != reflect.Ptr {
		return errors.Errorf("mem: %T is not a pointer", dst)
	} else if rv.IsNil() {
		return errors.New("mem: nil pointer")
	}

	c.mu.RLock()
	select {
	case <-c.rotate.C:
		c.mu.RUnlock()
		c.Rotate(false)
		c.mu.RLock()
	default:
	}
	defer c.mu.RUnlock()

	cacheKey := fmt.Sprintf("%T|%s", dst, key)
	if val, ok := c.current.Load(cacheKey); ok {
		return deepcopier.Copy(val).To(dst)
	}

	f := &flight{done: make(chan struct{})}
	if running, loaded := c.inflight.LoadOrStore(cacheKey, f); loaded {
		if val, ok := c.previous.Load(cacheKey); ok {
			return deepcopier.Copy(val).To(dst)
		}

		wait := running.(*flight)
		<-wait.done
		if wait.err != nil {
			return wait.err
		}
		if val, ok := c.current.Load(cacheKey); ok {
			return deepcopier.Copy(val).To(dst)
		}
		return errors.Errorf("mem: %s lost", cacheKey)
	}

	// failures are handed to the waiters of this flight only, the next miss
	// calls Fulfill again
	if f.err = dst.Fulfill(key); f.err == nil {
		c.current.Store(cacheKey, dst)
	}
	c.inflight.CompareAndDelete(cacheKey, f)
	close(f.done)
	return f.err
}

// Delete expires key for the type of dst.
func (c *Cache) Delete(dst Data, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cacheKey := fmt.Sprintf("%T|%s", dst, key)
	c.previous.Delete(cacheKey)
	c.current.Delete(cacheKey)
	c.inflight.Delete(cacheKey)
}

// Rotate starts a new generation. With reset the previous one is dropped too.
func (c *Cache) Rotate(reset bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if reset {
		c.previous = &sync.Map{}
	} else {
		c.previous = c.current
	}
	c.current = &sync.Map{}
	c.inflight = &sync.Map{}
}

// Stop releases the rotation ticker.
func (c *Cache) Stop() {
	c.rotate.Stop()
}
