// Package httpserver serves the node's status API.
package httpserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/jaywantadh/BufferShare/internal/discovery"
	"github.com/jaywantadh/BufferShare/internal/metadata"
	"github.com/jaywantadh/BufferShare/internal/transfer"
)

// ProgressSource is satisfied by *transfer.ProgressTracker.
type ProgressSource interface {
	GetAllProgress() []transfer.Progress
	GetProgress(id string) (transfer.Progress, bool)
}

// JournalLister is satisfied by *metadata.MetadataStore.
type JournalLister interface {
	List() ([]metadata.TransferRecord, error)
}

// Canceler is satisfied by *transfer.Manager.
type Canceler interface {
	Cancel(id string) bool
}

// PeerLister is satisfied by *discovery.Registry.
type PeerLister interface {
	GetAllNodes() []discovery.NodeInfo
}

type Options struct {
	Progress ProgressSource
	Journal  JournalLister
	Canceler Canceler
	Peers    PeerLister
	// Gatherer backs /metrics. Nil means the default registry.
	Gatherer prometheus.Gatherer
	Log      logrus.FieldLogger
}

type Server struct {
	opts   Options
	mux    *http.ServeMux
	server *http.Server
}

func New(opts Options) *Server {
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	s := &Server{opts: opts, mux: http.NewServeMux()}

	s.mux.HandleFunc("GET /ping", s.handlePing)
	s.mux.HandleFunc("GET /api/v1/transfers", s.handleListTransfers)
	s.mux.HandleFunc("GET /api/v1/transfers/{id}", s.handleGetTransfer)
	s.mux.HandleFunc("DELETE /api/v1/transfers/{id}", s.handleCancelTransfer)
	s.mux.HandleFunc("GET /api/v1/journal", s.handleJournal)
	s.mux.HandleFunc("GET /api/v1/peers", s.handlePeers)
	s.mux.Handle("GET /metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	return s
}

func (s *Server) Handler() http.Handler { return s.mux }

// Start serves on addr in the background and returns the bound address.
func (s *Server) Start(addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s.server = &http.Server{Handler: s.mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.opts.Log.WithError(err).Error("status server stopped")
		}
	}()
	s.opts.Log.WithField("addr", ln.Addr().String()).Info("status server listening")
	return ln.Addr(), nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	WriteJSONResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListTransfers(w http.ResponseWriter, r *http.Request) {
	if s.opts.Progress == nil {
		WriteJSONResponse(w, http.StatusOK, ListResponse[transfer.Progress]{Items: []transfer.Progress{}})
		return
	}
	items := s.opts.Progress.GetAllProgress()
	WriteJSONResponse(w, http.StatusOK, ListResponse[transfer.Progress]{Count: len(items), Items: items})
}

func (s *Server) handleGetTransfer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.opts.Progress != nil {
		if p, ok := s.opts.Progress.GetProgress(id); ok {
			WriteJSONResponse(w, http.StatusOK, p)
			return
		}
	}
	WriteErrorResponse(w, http.StatusNotFound, "transfer "+id+" not found")
}

func (s *Server) handleCancelTransfer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.opts.Canceler == nil || !s.opts.Canceler.Cancel(id) {
		WriteErrorResponse(w, http.StatusNotFound, "no active transfer "+id)
		return
	}
	s.opts.Log.WithField("transfer_id", id).Info("transfer canceled over HTTP")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	if s.opts.Journal == nil {
		WriteErrorResponse(w, http.StatusServiceUnavailable, "journal disabled")
		return
	}
	records, err := s.opts.Journal.List()
	if err != nil {
		s.opts.Log.WithError(err).Error("journal list failed")
		WriteErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	if records == nil {
		records = []metadata.TransferRecord{}
	}
	WriteJSONResponse(w, http.StatusOK, ListResponse[metadata.TransferRecord]{Count: len(records), Items: records})
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	nodes := []discovery.NodeInfo{}
	if s.opts.Peers != nil {
		nodes = s.opts.Peers.GetAllNodes()
	}
	WriteJSONResponse(w, http.StatusOK, ListResponse[discovery.NodeInfo]{Count: len(nodes), Items: nodes})
}
