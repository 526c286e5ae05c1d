// Package woverlay manages membership in named overlays:
// sub-networks of nodes sharing an [ID].
//
// A [Manager] routes overlay queries and broadcasts
// arriving on the datagram transport and the reliable query layer
// to the [Overlay] they name.
// Joining an overlay allocates local state only;
// peers are added explicitly with signed [wpeer.OverlayNode] records.
package woverlay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gordian-engine/wren/wdgram"
	"github.com/gordian-engine/wren/wkey"
	"github.com/gordian-engine/wren/wmetrics"
	"github.com/gordian-engine/wren/wrq"
)

// ManagerConfig is the configuration for a [Manager].
type ManagerConfig struct {
	// Transport carrying overlay queries and broadcasts.
	Transport *wdgram.Node

	// Optional. When set, overlay queries arriving
	// over the reliable layer are answered too.
	Reliable *wrq.Node

	// Local key the overlays speak as.
	// It must be in the transport's keystore.
	Key *wkey.Key

	// Optional.
	Metrics *wmetrics.Metrics
}

func (c ManagerConfig) validate() error {
	var errs error

	if c.Transport == nil {
		errs = errors.Join(errs, errors.New("ManagerConfig.Transport must not be nil"))
	}
	if c.Key == nil {
		errs = errors.Join(errs, errors.New("ManagerConfig.Key must not be nil"))
	} else if c.Transport != nil {
		if _, ok := c.Transport.Keystore().KeyByID(c.Key.ID()); !ok {
			errs = errors.Join(errs, errors.New("ManagerConfig.Key must be in the transport's keystore"))
		}
	}
	if c.Reliable != nil && c.Transport != nil && c.Reliable.Transport() != c.Transport {
		errs = errors.Join(errs, errors.New("ManagerConfig.Reliable must run on ManagerConfig.Transport"))
	}

	return errs
}

// Manager owns the joined overlays of one local key.
type Manager struct {
	log *slog.Logger

	t   *wdgram.Node
	key *wkey.Key
	m   *wmetrics.Metrics
	now func() time.Time

	ctx context.Context
	wg  sync.WaitGroup

	mu       sync.RWMutex
	overlays map[ID]*Overlay
}

// NewManager returns a manager attached to cfg.Transport
// and, if set, cfg.Reliable.
// Background work of joined overlays stops when ctx is cancelled;
// call [*Manager.Wait] to block until it has.
func NewManager(ctx context.Context, log *slog.Logger, cfg ManagerConfig) (*Manager, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid overlay manager configuration: %w", err)
	}

	m := &Manager{
		log: log,

		t:   cfg.Transport,
		key: cfg.Key,
		m:   cfg.Metrics,
		now: time.Now,

		ctx: ctx,

		overlays: make(map[ID]*Overlay),
	}

	cfg.Transport.AddQueryHandler(m)
	cfg.Transport.AddCustomHandler(m)
	if cfg.Reliable != nil {
		cfg.Reliable.AddQueryHandler(m)
	}

	return m, nil
}

// Wait blocks until the background work of every joined overlay has stopped.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Join registers local interest in the overlay with the given ID.
// No network traffic results from joining.
//
// If the overlay was already joined, the existing overlay is returned,
// opts are ignored, and the second result is false.
func (m *Manager) Join(id ID, opts Options) (*Overlay, bool, error) {
	if err := opts.validate(); err != nil {
		return nil, false, fmt.Errorf("invalid overlay options: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if o, ok := m.overlays[id]; ok {
		return o, false, nil
	}

	o, err := newOverlay(m.log.With("overlay", id), m, id, opts)
	if err != nil {
		return nil, false, err
	}
	m.overlays[id] = o

	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		o.broadcastWorker(m.ctx)
	}()
	go func() {
		defer m.wg.Done()
		o.gcLoop(m.ctx)
	}()

	m.log.Info("Joined overlay", "overlay", id)
	return o, true, nil
}

// Overlay returns the joined overlay with the given ID.
func (m *Manager) Overlay(id ID) (*Overlay, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.overlays[id]
	return o, ok
}

// HandleQuery routes overlay queries addressed to the manager's key
// to the overlay they name.
func (m *Manager) HandleQuery(ctx context.Context, from wdgram.Sender, query []byte) ([]byte, bool, error) {
	if from.Local != m.key.ID() {
		return nil, false, nil
	}
	id, payload, ok := splitPrefix(query, queryPrefixID)
	if !ok {
		return nil, false, nil
	}

	o, ok := m.Overlay(id)
	if !ok {
		return nil, true, UnknownOverlayError{Overlay: id}
	}
	answer, err := o.handleQuery(ctx, from, payload)
	return answer, true, err
}

// HandleCustom queues overlay broadcasts for the overlay they name.
func (m *Manager) HandleCustom(_ context.Context, from wdgram.Sender, data []byte) bool {
	if from.Local != m.key.ID() {
		return false
	}
	id, payload, ok := splitPrefix(data, messagePrefixID)
	if !ok {
		return false
	}

	o, ok := m.Overlay(id)
	if !ok {
		m.log.Debug("Dropping message for unknown overlay", "overlay", id, "peer_id", from.RemoteID())
		return true
	}

	b, err := decodeBroadcast(payload)
	if err != nil {
		o.log.Debug("Dropping malformed overlay message", "peer_id", from.RemoteID(), "err", err)
		return true
	}
	o.enqueueBroadcast(from.RemoteID(), b)
	return true
}
