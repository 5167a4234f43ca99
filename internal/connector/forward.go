package connector

// Forwarder decorates a Service. Go interface embedding forwards every method
// to the wrapped service; a type embedding *Forwarder redefines only the
// methods it changes.
type Forwarder struct {
	Service
}

// Forward wraps inner.
func Forward(inner Service) *Forwarder {
	return &Forwarder{Service: inner}
}

// Inner returns the wrapped service.
func (f *Forwarder) Inner() Service {
	return f.Service
}

type wrapper interface {
	Inner() Service
}

// Unwrap follows Inner until it reaches a service that wraps nothing.
func Unwrap(s Service) Service {
	for {
		w, ok := s.(wrapper)
		if !ok {
			return s
		}
		s = w.Inner()
	}
}

// Same reports whether a and b end up at the same service.
func Same(a, b Service) bool {
	if a == nil || b == nil {
		return a == b
	}
	return Unwrap(a) == Unwrap(b)
}
