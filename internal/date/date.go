// Package date caches the value of the HTTP Date header.
package date

import (
	"net/http"
	"sync/atomic"
	"time"
)

var current atomic.Pointer[[]byte]

// Start refreshes the cached value every interval until stop is called.
func Start(interval time.Duration) (stop func()) {
	update()
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				update()
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}

func update() {
	b := []byte(time.Now().UTC().Format(http.TimeFormat))
	current.Store(&b)
}

// Current returns the cached value, formatting it on the spot before Start.
// The slice must not be modified.
func Current() []byte {
	if p := current.Load(); p != nil {
		return *p
	}
	return []byte(time.Now().UTC().Format(http.TimeFormat))
}
