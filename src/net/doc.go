// Package net implements the transports used to communicate between
// Forgemesh nodes.
//
// This package contains the implementations of the Transport interface,
// which nodes use to send and receive the five protocol RPCs
// (BroadcastRequest, PollRequest, FetchRidsRequest, FetchManifestsRequest,
// FetchBundlesRequest). There are two implementations:
//
// - Inmem: in-memory transport used only for testing
//
// - TCP: communicating over plain TCP
//
// Each RPC request is framed by a single byte indicating the message type,
// followed by the json encoded request. The response is an error string
// followed by the json encoded response object.
//
// The TCP transport is suitable when nodes are in the same local network, or
// when users are able to configure their connections appropriately to avoid
// NAT issues. Set the following configuration options in the Config object
// (cf config package):
//
// - BindAddr: the IP:PORT of the TCP socket that the node binds to.
//
// - AdvertiseAddr: (optional) The address that is advertised to other nodes.
// If BindAddr is a local address not reachable by other peers, it is usefull
// to set AdvertiseAddr to the reachable public address.
//
// Poll responses participate in the queue acknowledgement protocol: the
// serving node only advances a peer's durable cursor once the transport
// confirms the response was written out. RPCResponse.Delivered carries that
// confirmation from the transport back to the handler.
package net
