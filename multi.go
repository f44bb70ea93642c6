package jrpc

import (
	"context"
	"errors"
	"iter"
	"sync"
)

type multiTransport struct {
	transports []ServerTransport
}

// MultiTransport combines server transports into one, so a single Server serves the peers of
// all of them with one registry, one subscription manager and one set of counters. The
// combined Connections ends once every transport stopped yielding connections.
func MultiTransport(transports ...ServerTransport) ServerTransport {
	return &multiTransport{transports: transports}
}

// Connections implements the ServerTransport interface.
func (m *multiTransport) Connections() iter.Seq[Conn] {
	return func(yield func(Conn) bool) {
		conns := make(chan Conn)
		stop := make(chan struct{})
		defer close(stop)

		var wg sync.WaitGroup
		for _, t := range m.transports {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for conn := range t.Connections() {
					select {
					case conns <- conn:
					case <-stop:
						conn.Close()
						return
					}
				}
			}()
		}
		go func() {
			wg.Wait()
			close(conns)
		}()

		for conn := range conns {
			if !yield(conn) {
				return
			}
		}
	}
}

// Shutdown implements the ServerTransport interface. Every transport is shut down, and the
// failures are joined.
func (m *multiTransport) Shutdown(ctx context.Context) error {
	errs := make([]error, len(m.transports))
	var wg sync.WaitGroup
	for i, t := range m.transports {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = t.Shutdown(ctx)
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}
