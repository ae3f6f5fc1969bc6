package tunnel

import (
	"io"
	"net"
	"sync"

	"github.com/hashicorp/yamux"
)

// closeWrite signals end of writes on c. A yamux stream's Close only
// half-closes it.
func closeWrite(c net.Conn) error {
	switch t := c.(type) {
	case *yamux.Stream:
		return t.Close()
	case interface{ CloseWrite() error }:
		return t.CloseWrite()
	default:
		return c.Close()
	}
}

// Join copies between a and b in both directions until both sides have
// finished writing, then closes both. A failed copy closes both sides at
// once. It returns the bytes copied a->b and b->a.
func Join(a, b net.Conn) (int64, int64) {
	var wg sync.WaitGroup
	var ab, ba int64

	transfer := func(dst, src net.Conn, n *int64) {
		defer wg.Done()
		var err error
		if *n, err = io.Copy(dst, src); err != nil {
			a.Close()
			b.Close()
			return
		}
		closeWrite(dst)
	}

	wg.Add(2)
	go transfer(b, a, &ab)
	go transfer(a, b, &ba)
	wg.Wait()

	a.Close()
	b.Close()
	return ab, ba
}
