package main

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/jaywantadh/BufferShare/config"
	"github.com/jaywantadh/BufferShare/internal/codec"
	"github.com/jaywantadh/BufferShare/internal/discovery"
	"github.com/jaywantadh/BufferShare/internal/eventbus"
	"github.com/jaywantadh/BufferShare/internal/hashing"
	"github.com/jaywantadh/BufferShare/internal/metadata"
	"github.com/jaywantadh/BufferShare/internal/metrics"
	"github.com/jaywantadh/BufferShare/internal/p2p"
	"github.com/jaywantadh/BufferShare/internal/storage"
	"github.com/jaywantadh/BufferShare/internal/transfer"
	"github.com/jaywantadh/BufferShare/pkg/logging"
)

// node bundles everything one process runs.
type node struct {
	cfg      *config.AppConfig
	bus      *eventbus.LocalBus
	link     *p2p.TCPLink
	peers    *discovery.Registry
	journal  *metadata.MetadataStore
	store    *storage.LocalStorage
	registry *prometheus.Registry
	manager  *transfer.Manager
}

type nodeOptions struct {
	serve   bool
	journal bool
}

func openNode(cfg *config.AppConfig, opts nodeOptions) (*node, error) {
	log := logging.ForNode(cfg.NodeID)

	hasher, err := hashing.ByName(cfg.Hash)
	if err != nil {
		return nil, err
	}
	payloadCodec, err := codec.ByName[[]byte](cfg.Codec, cfg.Compress)
	if err != nil {
		return nil, err
	}

	n := &node{cfg: cfg, peers: discovery.NewRegistry(), registry: prometheus.NewRegistry()}
	n.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder, err := metrics.New(n.registry)
	if err != nil {
		return nil, err
	}

	managerOpts := []transfer.ManagerOption{
		transfer.WithCodec(payloadCodec),
		transfer.WithRecorder(recorder),
		transfer.WithAutoAccept(opts.serve),
		transfer.WithTaskOptions(
			transfer.WithChunkSize(cfg.ChunkSize),
			transfer.WithWindowSize(cfg.WindowSize),
			transfer.WithCreditInterval(cfg.CreditInterval),
			transfer.WithTimeout(cfg.Timeout),
			transfer.WithHasher(hasher),
			transfer.WithLogger(logging.Log),
		),
	}

	if opts.journal {
		j, err := metadata.Open(cfg.JournalPath)
		if err != nil {
			if opts.serve {
				return nil, err
			}
			log.WithError(err).Warn("journal unavailable, continuing without it")
		} else {
			n.journal = j
			managerOpts = append(managerOpts, transfer.WithJournal(j))
		}
	}
	if opts.serve {
		s, err := storage.NewLocalStorage(cfg.StoragePath, hasher)
		if err != nil {
			n.close()
			return nil, err
		}
		n.store = s
		managerOpts = append(managerOpts, transfer.WithStore(s))
	}

	n.bus = eventbus.NewLocalBus(cfg.NodeID, eventbus.WithLogger(logging.Log))
	n.link = p2p.NewTCPLink(n.bus, p2p.Config{
		HeartbeatInterval: cfg.HeartbeatInterval,
		PeerDeadAfter:     cfg.PeerDeadAfter,
		Observer:          n.peers,
	}, logging.Log)

	n.manager, err = transfer.NewManager(n.bus, managerOpts...)
	if err != nil {
		n.close()
		return nil, fmt.Errorf("transfer manager: %w", err)
	}
	return n, nil
}

func (n *node) close() {
	if n.manager != nil {
		n.manager.Close()
	}
	if n.link != nil {
		n.link.Close()
	}
	if n.bus != nil {
		n.bus.Close()
	}
	if n.journal != nil {
		n.journal.Close()
	}
}
