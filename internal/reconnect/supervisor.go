package reconnect

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/meshrtc/meshconf/internal/negotiation"
	"github.com/meshrtc/meshconf/lib/logger/sl"
)

// ErrRetriesExhausted reports that a peer link could not be recovered within
// the configured attempts. It is surfaced per peer; other peers are
// unaffected.
var ErrRetriesExhausted = errors.New("reconnection retries exhausted")

// Link is the slice of a negotiation link the supervisor drives.
type Link interface {
	RemoteID() string
	State() negotiation.State
	Notifications() <-chan negotiation.State
	RequestICERestart()
	RequestNegotiation()
	Close()
}

// PeerPresence answers whether both ends of a pair are still room members.
type PeerPresence interface {
	StillPaired(remoteID string) bool
}

// Rebuilder recreates a peer link from scratch after a teardown.
type Rebuilder interface {
	RebuildLink(remoteID string) (Link, error)
}

type Config struct {
	// ICERestartTimeout bounds the wait for transport recovery after an
	// ICE-restart offer before escalating to a full teardown.
	ICERestartTimeout time.Duration
	// BackoffBase is the first teardown-retry delay; it doubles per attempt
	// up to BackoffCap.
	BackoffBase time.Duration
	BackoffCap  time.Duration
	MaxAttempts int
}

func (c *Config) withDefaults() {
	if c.ICERestartTimeout <= 0 {
		c.ICERestartTimeout = 10 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
}

// Supervisor observes a link's failure states and drives ICE-restart or full
// teardown-and-recreate with bounded, backed-off retries.
type Supervisor struct {
	cfg      Config
	log      *slog.Logger
	presence PeerPresence
	rebuild  Rebuilder

	// OnExhausted, when set, is called once retries for a peer run out.
	OnExhausted func(remoteID string)
}

func New(cfg Config, log *slog.Logger, presence PeerPresence, rebuild Rebuilder) *Supervisor {
	cfg.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{
		cfg:      cfg,
		log:      log,
		presence: presence,
		rebuild:  rebuild,
	}
}

// Watch consumes the link's state notifications until the link closes, the
// context is cancelled, or recovery is abandoned. When a teardown replaces
// the link, watching continues on the replacement.
func (s *Supervisor) Watch(ctx context.Context, link Link) {
	for {
		select {
		case <-ctx.Done():
			return
		case state, ok := <-link.Notifications():
			if !ok {
				return
			}
			switch state {
			case negotiation.StateClosed:
				return
			case negotiation.StateFailed:
				next, err := s.recover(ctx, link)
				if err != nil {
					if errors.Is(err, ErrRetriesExhausted) && s.OnExhausted != nil {
						s.OnExhausted(link.RemoteID())
					}
					return
				}
				if next == nil {
					// Peer left the room; nothing to recover.
					return
				}
				link = next
			}
		}
	}
}

// recover first attempts an ICE restart on the existing link, then escalates
// to teardown and recreation. It returns the link to keep watching, nil when
// recovery was abandoned because the peer is gone, or ErrRetriesExhausted.
func (s *Supervisor) recover(ctx context.Context, link Link) (Link, error) {
	remoteID := link.RemoteID()
	log := s.log.With(slog.String("remote_id", remoteID))

	log.Info("transport failed, attempting ice restart")
	link.RequestICERestart()
	if s.awaitConnected(ctx, link, s.cfg.ICERestartTimeout) {
		log.Info("ice restart succeeded")
		return link, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	log.Info("ice restart timed out, tearing down")
	link.Close()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.BackoffBase
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = s.cfg.BackoffCap
	bo.MaxElapsedTime = 0
	bo.Reset()

	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		if !s.sleep(ctx, bo.NextBackOff()) {
			return nil, ctx.Err()
		}

		if !s.presence.StillPaired(remoteID) {
			log.Debug("peer no longer in room, abandoning reconnection")
			return nil, nil
		}

		fresh, err := s.rebuild.RebuildLink(remoteID)
		if err != nil {
			log.Error("rebuild failed", sl.Err(err), slog.Int("attempt", attempt))
			continue
		}

		fresh.RequestNegotiation()
		if s.awaitConnected(ctx, fresh, s.cfg.ICERestartTimeout) {
			log.Info("reconnected", slog.Int("attempt", attempt))
			return fresh, nil
		}
		if ctx.Err() != nil {
			fresh.Close()
			return nil, ctx.Err()
		}

		log.Info("reconnect attempt failed", slog.Int("attempt", attempt))
		fresh.Close()
	}

	return nil, ErrRetriesExhausted
}

// awaitConnected waits for the link to report transport success.
func (s *Supervisor) awaitConnected(ctx context.Context, link Link, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return false
		case state, ok := <-link.Notifications():
			if !ok {
				return false
			}
			switch state {
			case negotiation.StateConnected:
				return true
			case negotiation.StateClosed:
				return false
			}
		}
	}
}

// sleep waits for the delay unless the context is cancelled first; backoff
// timers die with the context.
func (s *Supervisor) sleep(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
