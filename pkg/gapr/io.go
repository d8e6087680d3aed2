package gapr

import (
	"github.com/Aishwarya3011/gapr-sub001/internal/fiber"
	"github.com/Aishwarya3011/gapr-sub001/internal/transport"
)

// ioResult keeps the count of a body operation that also reports an
// error; Await would drop it.
type ioResult struct {
	n   int
	err error
}

func readBody(f *fiber.Fiber, conn *transport.Conn, buf []byte) (int, error) {
	r := fiber.Await(f.Yield(), func(done func(ioResult, error)) {
		conn.ReadBody(buf, func(n int, err error) { done(ioResult{n, err}, nil) })
	})
	return r.n, r.err
}

func writeBody(f *fiber.Fiber, conn *transport.Conn, data []byte, last bool) (int, error) {
	r := fiber.Await(f.Yield(), func(done func(ioResult, error)) {
		conn.WriteBody(data, last, func(n int, err error) { done(ioResult{n, err}, nil) })
	})
	return r.n, r.err
}
