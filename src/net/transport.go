package net

// Transport provides an interface for network transports
// to allow a node to communicate with other nodes.
type Transport interface {

	// Starts the transport listening
	Listen()

	// Consumer returns a channel that can be used to
	// consume and respond to RPC requests.
	Consumer() <-chan RPC

	// LocalAddr is used to return our local address
	LocalAddr() string

	// AdvertiseAddr is used to return our advertise address where other peers
	// can reach us
	AdvertiseAddr() string

	// Broadcast, Poll, FetchRids, FetchManifests, and FetchBundles send the
	// appropriate RPC to the target node.

	Broadcast(target string, args *BroadcastRequest, resp *BroadcastResponse) error

	Poll(target string, args *PollRequest, resp *PollResponse) error

	FetchRids(target string, args *FetchRidsRequest, resp *FetchRidsResponse) error

	FetchManifests(target string, args *FetchManifestsRequest, resp *FetchManifestsResponse) error

	FetchBundles(target string, args *FetchBundlesRequest, resp *FetchBundlesResponse) error

	// Close permanently closes a transport, stopping
	// any associated goroutines and freeing other resources.
	Close() error
}
