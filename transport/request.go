package transport

// A Request tracks one outstanding non-blocking operation.
//
// Sends on an in-process world complete eagerly, but
// callers must still wait on the request before reusing the
// send buffer, so that code keeps the same shape it would
// have over a real wire.
type Request struct {
	comm *Comm
	src  int
	tag  int
	size int

	done bool
	data []byte
}

// Wait blocks until the operation completes. For receives
// it returns the received payload; for sends it returns
// nil.
func (r *Request) Wait() []byte {
	if r.done {
		return r.data
	}
	r.data = r.comm.recv(r.src, r.tag, r.size)
	r.done = true
	return r.data
}

// Done reports whether the request has already completed.
func (r *Request) Done() bool {
	return r.done
}

// WaitAll waits for every request in the slice.
func WaitAll(reqs []*Request) {
	for _, r := range reqs {
		r.Wait()
	}
}
