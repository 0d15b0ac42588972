package service

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	cm "github.com/forgemesh/forgemesh/src/common"
	"github.com/forgemesh/forgemesh/src/intake"
	"github.com/forgemesh/forgemesh/src/node"
	"github.com/forgemesh/forgemesh/src/peers"
	"github.com/forgemesh/forgemesh/src/rid"
	"github.com/forgemesh/forgemesh/src/store"
	"github.com/forgemesh/forgemesh/src/version"
)

// Service exposes the node's index and registry over HTTP. It serves the
// explorer endpoints (status, repositories, events, peers), receives producer
// events on POST /events, and manages subscription edges on POST and DELETE
// /peers.
type Service struct {
	bindAddress string
	node        *node.Node
	logger      *logrus.Entry
}

// NewService ...
func NewService(bindAddress string, n *node.Node, logger *logrus.Entry) *Service {
	return &Service{
		bindAddress: bindAddress,
		node:        n,
		logger:      logger,
	}
}

// Router assembles the API routes. It is exposed separately from Serve so
// that an embedding application can mount the API on its own server.
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(cors)

	r.Get("/status", s.GetStatus)
	r.Get("/repositories", s.GetRepositories)
	r.Get("/repositories/{owner}/{name}/events", s.GetRepositoryEvents)
	r.Get("/events/*", s.GetEvent)
	r.Get("/peers", s.GetPeers)
	r.Post("/peers", s.UpsertPeer)
	r.Delete("/peers/*", s.DeletePeer)
	r.Post("/events", s.PostEvents)

	return r
}

// Serve calls ListenAndServe. This is a blocking call.
func (s *Service) Serve() {
	s.logger.WithField("bind_address", s.bindAddress).Debug("Serving Forgemesh API")

	err := http.ListenAndServe(s.bindAddress, s.Router())
	if err != nil {
		s.logger.Error(err)
	}
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

// GetStatus ...
func (s *Service) GetStatus(w http.ResponseWriter, r *http.Request) {
	stats := s.node.GetStats()
	stats["version"] = version.Version

	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(stats)
}

// GetRepositories ...
func (s *Service) GetRepositories(w http.ResponseWriter, r *http.Request) {
	repos, err := s.node.GetRepositories()
	if err != nil {
		s.logger.WithError(err).Error("Retrieving repositories")
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(repos)
}

// GetRepositoryEvents returns a page of a repository's events, most recent
// first. Query parameters limit and offset page through the history.
func (s *Service) GetRepositoryEvents(w http.ResponseWriter, r *http.Request) {
	repo := chi.URLParam(r, "owner") + "/" + chi.URLParam(r, "name")

	repoRid, err := rid.RepositoryRID(repo)
	if err != nil {
		writeError(w, err)
		return
	}

	limit, offset, err := pageParams(r, 50)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	events, err := s.node.GetRepositoryEvents(repoRid, limit, offset)
	if err != nil {
		s.logger.WithError(err).Errorf("Retrieving events for %s", repoRid)
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(events)
}

// EventDetails pairs an indexed record with its contents. Contents are
// omitted for tombstoned resources.
type EventDetails struct {
	Record   *store.EventRecord     `json:"record"`
	Contents map[string]interface{} `json:"contents,omitempty"`
}

// GetEvent ...
func (s *Service) GetEvent(w http.ResponseWriter, r *http.Request) {
	param := chi.URLParam(r, "*")

	eventRid, err := rid.Parse(param)
	if err != nil {
		writeError(w, err)
		return
	}

	record, err := s.node.GetRecord(eventRid)
	if err != nil {
		writeError(w, err)
		return
	}

	details := EventDetails{Record: record}

	if b, err := s.node.GetBundle(eventRid); err == nil {
		details.Contents = b.Contents
	}

	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(details)
}

// PeerDetails is an edge together with the depth of its delivery queue.
type PeerDetails struct {
	*peers.Edge
	QueueDepth int `json:"queue_depth"`
}

// GetPeers ...
func (s *Service) GetPeers(w http.ResponseWriter, r *http.Request) {
	edges := s.node.GetEdges()

	details := make([]*PeerDetails, len(edges))
	for i, edge := range edges {
		depth, err := s.node.GetQueueDepth(edge.PeerRID)
		if err != nil {
			depth = 0
		}
		details[i] = &PeerDetails{Edge: edge, QueueDepth: depth}
	}

	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(details)
}

// UpsertPeer registers or renegotiates a subscription edge. The body is an
// Edge document; a PARTIAL peer is normalized to pull delivery.
func (s *Service) UpsertPeer(w http.ResponseWriter, r *http.Request) {
	var edge peers.Edge
	if err := json.NewDecoder(r.Body).Decode(&edge); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if _, err := rid.Parse(string(edge.PeerRID)); err != nil {
		writeError(w, err)
		return
	}

	normalized := peers.NewEdge(edge.PeerRID, edge.NetAddr, edge.NodeType, edge.Mode, edge.Provides)
	normalized.Moniker = edge.Moniker

	if err := s.node.UpsertEdge(normalized); err != nil {
		s.logger.WithError(err).Errorf("Registering edge %s", edge.PeerRID)
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(normalized)
}

// DeletePeer dissolves a subscription edge. Dissolution is idempotent;
// deleting an unknown peer succeeds.
func (s *Service) DeletePeer(w http.ResponseWriter, r *http.Request) {
	param := chi.URLParam(r, "*")

	peerRid, err := rid.Parse(param)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := s.node.RemoveEdge(peerRid); err != nil {
		s.logger.WithError(err).Errorf("Removing edge %s", peerRid)
		writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// EventReceipt reports how one submitted event was classified.
type EventReceipt struct {
	Rid       rid.RID `json:"rid"`
	EventType string  `json:"event_type"`
}

// PostEvents ingests a batch of producer events. Events are applied in order
// and the first failure aborts the rest; already-applied events stay applied,
// which is safe because resubmission classifies them as no-ops.
func (s *Service) PostEvents(w http.ResponseWriter, r *http.Request) {
	var raws []*intake.RawEvent
	if err := json.NewDecoder(r.Body).Decode(&raws); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	receipts := []EventReceipt{}

	for _, raw := range raws {
		ev, err := s.node.Ingest(raw)
		if err != nil {
			s.logger.WithError(err).Error("Ingesting event")
			writeError(w, err)
			return
		}

		receipts = append(receipts, EventReceipt{Rid: ev.Rid, EventType: ev.Type.String()})
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)

	json.NewEncoder(w).Encode(receipts)
}

func pageParams(r *http.Request, defaultLimit int) (int, int, error) {
	limit := defaultLimit
	offset := 0

	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, 0, errors.New("invalid limit parameter")
		}
		limit = n
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, 0, errors.New("invalid offset parameter")
		}
		offset = n
	}

	return limit, offset, nil
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError

	var malformed rid.MalformedRidError
	var untracked intake.UntrackedRepositoryError

	switch {
	case errors.As(err, &malformed):
		code = http.StatusBadRequest
	case errors.As(err, &untracked):
		code = http.StatusForbidden
	case cm.IsStore(err, cm.KeyNotFound):
		code = http.StatusNotFound
	case cm.IsStore(err, cm.Unavailable):
		code = http.StatusServiceUnavailable
	}

	http.Error(w, err.Error(), code)
}
