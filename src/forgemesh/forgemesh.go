package forgemesh

import (
	"fmt"
	"io/ioutil"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/forgemesh/forgemesh/src/config"
	"github.com/forgemesh/forgemesh/src/intake"
	"github.com/forgemesh/forgemesh/src/net"
	"github.com/forgemesh/forgemesh/src/node"
	"github.com/forgemesh/forgemesh/src/peers"
	"github.com/forgemesh/forgemesh/src/queue"
	"github.com/forgemesh/forgemesh/src/rid"
	"github.com/forgemesh/forgemesh/src/service"
	"github.com/forgemesh/forgemesh/src/store"
)

// Forgemesh is the engine: it assembles a node and its components from a
// Config object.
type Forgemesh struct {
	Config    *config.Config
	Rid       rid.RID
	Store     store.Store
	Queue     queue.Queue
	Registry  *peers.Registry
	EdgeSet   *peers.JSONEdgeSet
	Transport net.Transport
	Node      *node.Node
	Service   *service.Service
}

// NewForgemesh ...
func NewForgemesh(config *config.Config) *Forgemesh {
	engine := &Forgemesh{
		Config: config,
	}

	return engine
}

// initIdentity loads this node's RID from the data directory, or mints and
// persists a fresh one on first start.
func (f *Forgemesh) initIdentity() error {
	identityFile := f.Config.IdentityFile()

	buf, err := ioutil.ReadFile(identityFile)
	if err == nil {
		r, perr := rid.Parse(strings.TrimSpace(string(buf)))
		if perr != nil {
			return fmt.Errorf("invalid identity in %s: %v", identityFile, perr)
		}

		f.Rid = r

		return nil
	}

	if !os.IsNotExist(err) {
		return err
	}

	r, err := rid.NodeRID(f.Config.NetworkScope, uuid.New().String())
	if err != nil {
		return err
	}

	if err := os.MkdirAll(f.Config.DataDir, 0700); err != nil {
		return err
	}

	if err := ioutil.WriteFile(identityFile, []byte(r.String()+"\n"), 0600); err != nil {
		return err
	}

	f.Config.Logger().WithField("rid", r).Info("Minted new node identity")

	f.Rid = r

	return nil
}

// initPeers loads the persisted subscription edges into a fresh registry. A
// missing edges file is not an error; the node starts without subscribers.
func (f *Forgemesh) initPeers() error {
	f.EdgeSet = peers.NewJSONEdgeSet(f.Config.DataDir)
	f.Registry = peers.NewRegistry()

	edges, err := f.EdgeSet.Edges()
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return err
	}

	for _, edge := range edges {
		f.Registry.UpsertEdge(edge)
	}

	return nil
}

func (f *Forgemesh) initStore() error {
	if !f.Config.Store {
		f.Store = store.NewInmemStore()

		f.Config.Logger().Debug("created new in-mem store")

		return nil
	}

	f.Config.Logger().WithField("path", f.Config.DatabaseDir).Debug("Attempting to load or create database")

	s, err := store.NewBadgerStore(f.Config.CacheSize, f.Config.DatabaseDir, f.Config.Logger())
	if err != nil {
		return err
	}

	f.Store = s

	return nil
}

func (f *Forgemesh) initQueue() error {
	if !f.Config.Store {
		f.Queue = queue.NewInmemQueue()

		return nil
	}

	f.Config.Logger().WithField("path", f.Config.QueueDir()).Debug("Attempting to load or create queue database")

	q, err := queue.NewBadgerQueue(f.Config.QueueDir(), f.Config.Logger())
	if err != nil {
		return err
	}

	f.Queue = q

	return nil
}

func (f *Forgemesh) initTransport() error {
	transport, err := net.NewTCPTransport(
		f.Config.BindAddr,
		f.Config.AdvertiseAddr,
		f.Config.MaxPool,
		f.Config.TCPTimeout,
		f.Config.FetchTimeout,
		f.Config.Logger(),
	)

	if err != nil {
		return err
	}

	f.Transport = transport

	return nil
}

func (f *Forgemesh) initNode() error {
	nodeConfig := node.NewConfig(
		f.Config.PollMaxLimit,
		f.Config.PushTimeout,
		f.Config.JanitorInterval,
		f.Config.RetentionDays,
		f.Config.RidTypes,
		f.Config.Logger().Logger,
	)
	nodeConfig.BootstrapPeer = f.Config.BootstrapPeer
	nodeConfig.Moniker = f.Config.Moniker

	normalizer := intake.NewNormalizer(f.Store, f.Config.ExcludedRepos, f.Config.Logger())

	f.Node = node.NewNode(
		nodeConfig,
		f.Rid,
		f.Store,
		f.Queue,
		f.Registry,
		f.EdgeSet,
		normalizer,
		f.Transport,
	)

	if err := f.Node.Init(); err != nil {
		return fmt.Errorf("failed to initialize node: %s", err)
	}

	return nil
}

func (f *Forgemesh) initService() error {
	if !f.Config.NoService && f.Config.ServiceAddr != "" {
		f.Service = service.NewService(f.Config.ServiceAddr, f.Node, f.Config.Logger())
	}

	return nil
}

// Init initialises the engine components in dependency order.
func (f *Forgemesh) Init() error {
	if err := f.initIdentity(); err != nil {
		return err
	}

	if err := f.initPeers(); err != nil {
		return err
	}

	if err := f.initStore(); err != nil {
		return err
	}

	if err := f.initQueue(); err != nil {
		return err
	}

	if err := f.initTransport(); err != nil {
		return err
	}

	if err := f.initNode(); err != nil {
		return err
	}

	if err := f.initService(); err != nil {
		return err
	}

	return nil
}

// Run starts the HTTP service and the node. This is a blocking call; it
// returns when the node shuts down.
func (f *Forgemesh) Run() {
	if f.Service != nil {
		go f.Service.Serve()
	}

	f.Node.Run()
}

// Shutdown stops the node, which closes the transport, the queue and the
// store behind it.
func (f *Forgemesh) Shutdown() {
	f.Node.Shutdown()
}
