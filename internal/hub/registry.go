// Package hub owns the open room sessions of the gateway, one per viewer
// and room.
package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/qaroom/internal/failure"
	"github.com/MarcoPoloResearchLab/qaroom/internal/ledger"
	"github.com/MarcoPoloResearchLab/qaroom/internal/metrics"
	"github.com/MarcoPoloResearchLab/qaroom/internal/questions"
	"github.com/MarcoPoloResearchLab/qaroom/internal/rooms"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

var (
	errMissingFactory = errors.New("ledger factory is required")
	// ErrUnknownAccount means the ledger cannot act as the requested account.
	ErrUnknownAccount = errors.New("ledger cannot sign for this account")
	ErrClosed         = errors.New("registry is closed")
)

// Grant identifies who a caller acts as and until when.
type Grant struct {
	Account   common.Address
	ExpiresAt time.Time
}

// LedgerFactory binds the RoomManager contract for one account.
type LedgerFactory interface {
	// Authorize reports whether the factory can act as account.
	Authorize(account common.Address) error
	Bind(grant Grant) (*ledger.RoomManager, error)
}

// Config wires a Registry.
type Config struct {
	Factory             LedgerFactory
	Classifier          failure.Classifier
	RoomCreatedLogIndex int
	Metrics             *metrics.Recorder
	Logger              *zap.Logger
	// Publish receives every state change of every open session.
	Publish func(questions.State)
}

type sessionKey struct {
	viewer common.Address
	room   common.Hash
}

type entry struct {
	session   *questions.Session
	expiresAt time.Time
}

// Registry hands out room directories and question sessions per account.
type Registry struct {
	factory    LedgerFactory
	classifier failure.Classifier
	logIndex   int
	metrics    *metrics.Recorder
	logger     *zap.Logger
	publish    func(questions.State)

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[sessionKey]entry
	closed   bool
}

func NewRegistry(cfg Config) (*Registry, error) {
	if cfg.Factory == nil {
		return nil, errMissingFactory
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	publish := cfg.Publish
	if publish == nil {
		publish = func(questions.State) {}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		factory:    cfg.Factory,
		classifier: cfg.Classifier,
		logIndex:   cfg.RoomCreatedLogIndex,
		metrics:    cfg.Metrics,
		logger:     logger,
		publish:    publish,
		ctx:        ctx,
		cancel:     cancel,
		sessions:   make(map[sessionKey]entry),
	}, nil
}

// Authorize reports whether sessions may be opened for account.
func (r *Registry) Authorize(account common.Address) error {
	return r.factory.Authorize(account)
}

// Directory returns a room directory acting as grant.Account.
func (r *Registry) Directory(grant Grant) (*rooms.Directory, error) {
	manager, err := r.factory.Bind(grant)
	if err != nil {
		return nil, err
	}
	return rooms.NewDirectory(rooms.DirectoryConfig{
		Ledger:              manager,
		Classifier:          r.classifier,
		RoomCreatedLogIndex: r.logIndex,
		Metrics:             r.metrics,
		Logger:              r.logger,
	})
}

// Session returns the open session for grant.Account in room, opening,
// subscribing and loading it on first use. A session opened under an older
// grant is replaced. A failed initial load leaves the session open with the
// failure recorded in its state.
func (r *Registry) Session(ctx context.Context, grant Grant, room common.Hash) (*questions.Session, error) {
	key := sessionKey{viewer: grant.Account, room: room}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	current, ok := r.sessions[key]
	r.mu.Unlock()
	if ok {
		if current.expiresAt.Equal(grant.ExpiresAt) {
			return current.session, nil
		}
		r.Close(grant.Account, room)
	}

	manager, err := r.factory.Bind(grant)
	if err != nil {
		return nil, err
	}
	session, err := questions.NewSession(questions.SessionConfig{
		Ledger:     manager,
		RoomID:     room,
		Viewer:     manager.Account(),
		Classifier: r.classifier,
		Logger:     r.logger,
		Metrics:    r.metrics,
		OnChange:   r.publish,
	})
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	if existing, ok := r.sessions[key]; ok {
		r.mu.Unlock()
		return existing.session, nil
	}
	r.sessions[key] = entry{session: session, expiresAt: grant.ExpiresAt}
	r.mu.Unlock()
	r.metrics.SessionOpened()

	if err := session.Start(r.ctx); err != nil {
		r.Close(grant.Account, room)
		return nil, fmt.Errorf("open room session: %w", err)
	}
	if err := session.LoadSnapshot(ctx); err != nil {
		r.logger.Warn("initial question snapshot failed",
			zap.String("room_id", room.Hex()),
			zap.String("viewer", grant.Account.Hex()),
			zap.Error(err))
	}
	r.logger.Info("room session opened",
		zap.String("room_id", room.Hex()),
		zap.String("viewer", grant.Account.Hex()))
	return session, nil
}

// Lookup returns an already open session.
func (r *Registry) Lookup(viewer common.Address, room common.Hash) (*questions.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.sessions[sessionKey{viewer: viewer, room: room}]
	return current.session, ok
}

// Close ends the session of viewer in room, if open.
func (r *Registry) Close(viewer common.Address, room common.Hash) {
	key := sessionKey{viewer: viewer, room: room}
	r.mu.Lock()
	current, ok := r.sessions[key]
	delete(r.sessions, key)
	r.mu.Unlock()
	if !ok {
		return
	}
	current.session.Close()
	r.metrics.SessionClosed()
	r.logger.Info("room session closed",
		zap.String("room_id", room.Hex()),
		zap.String("viewer", viewer.Hex()))
}

// Shutdown closes every session and refuses new ones.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	r.closed = true
	open := r.sessions
	r.sessions = make(map[sessionKey]entry)
	r.mu.Unlock()
	for _, current := range open {
		current.session.Close()
		r.metrics.SessionClosed()
	}
	r.cancel()
}
