package net

// RPCResponse captures both a response and a potential error. Delivered is
// optional: when set, the transport signals exactly once after the response
// has been written out (nil) or has failed to leave the node (the write
// error). Handlers that advance durable cursors on confirmed handoff rely on
// it. The channel must be buffered so a departed waiter never blocks the
// transport.
type RPCResponse struct {
	Response  interface{}
	Error     error
	Delivered chan<- error
}

// RPC encapsulates an RPC request and provides a response mechanism.
type RPC struct {
	Command  interface{}
	RespChan chan<- RPCResponse
}

// Respond is used to respond with a response, error or both.
func (r *RPC) Respond(resp interface{}, err error) {
	r.RespChan <- RPCResponse{Response: resp, Error: err}
}

// RespondConfirmed is like Respond but additionally asks the transport to
// signal on delivered once the response has left the node.
func (r *RPC) RespondConfirmed(resp interface{}, err error, delivered chan<- error) {
	r.RespChan <- RPCResponse{Response: resp, Error: err, Delivered: delivered}
}
