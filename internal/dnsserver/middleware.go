package dnsserver

// Middleware is a handler decorator used to compose the processing pipeline.
type Middleware interface {
	// Wrap returns a new handler on top of h.  The returned
	// handler may call h and add its own logic.
	Wrap(h Handler) (wrapped Handler)
}

// WithMiddlewares attaches the given middlewares
// to h.  Middlewares are called in the same order in which they
// are given.
func WithMiddlewares(h Handler, middlewares ...Middleware) (wrapped Handler) {
	wrapped = h

	// Go through middlewares in the reverse order.  This way the middleware
	// that was specified first will be called first.
	for i := len(middlewares) - 1; i >= 0; i-- {
		m := middlewares[i]
		wrapped = m.Wrap(wrapped)
	}

	return wrapped
}
