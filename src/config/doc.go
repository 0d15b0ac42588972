// Package config defines the configuration for a Forgemesh node.
//
// Regardless of how Forgemesh is started, directly from Go code or as a
// standalone process from the command line, it uses the Config object defined
// in this package to store and forward configuration options. On top of these
// configuration options, Forgemesh relies on a data directory, defined by
// Config.DataDir, where it keeps its state:
//
//  identity // a plain text file containing this node's RID, minted on first start.
//  edges.json // a JSON file containing the current subscription edges.
//  index_db // (with --store) the Badger database backing the index store.
//  queue_db // (with --store) the Badger database backing the per-peer queues.
package config
