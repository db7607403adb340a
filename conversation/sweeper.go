package conversation

import (
	"context"
	"sync"
	"time"

	"github.com/ghiac/agentdesk/log"
)

// DefaultSweepInterval is how often the sweeper looks for idle conversations
const DefaultSweepInterval = 5 * time.Minute

// Sweeper periodically ends conversations that have been idle too long
type Sweeper struct {
	manager  *Manager
	interval time.Duration
	stopChan chan struct{}
	done     chan struct{}
	running  bool
	mu       sync.Mutex

	// onSweep, when set, receives every sweep result (tests)
	onSweep func(SweepResult, error)
}

// NewSweeper creates a sweeper that runs manager.AutoEndInactive every interval
func NewSweeper(manager *Manager, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		manager:  manager,
		interval: interval,
		stopChan: make(chan struct{}),
	}
}

// Start starts the sweeper in a background goroutine
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		log.Log.Warnf("[Sweeper] ⚠️  Sweeper is already running")
		return
	}

	s.running = true
	s.stopChan = make(chan struct{}) // Recreate stopChan in case it was closed
	s.done = make(chan struct{})
	log.Log.Infof("[Sweeper] 🚀 Starting inactivity sweeper | Interval: %v | Threshold: %v",
		s.interval, s.manager.config.InactivityThreshold)

	go s.run(ctx, s.stopChan, s.done)
}

// Stop stops the sweeper and waits for an in-flight sweep to finish
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	log.Log.Infof("[Sweeper] 🛑 Stopping inactivity sweeper")
	close(s.stopChan)
	s.running = false
	done := s.done
	s.mu.Unlock()

	<-done
}

// IsRunning reports whether the sweeper loop is active
func (s *Sweeper) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// run runs the sweeper loop
func (s *Sweeper) run(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep(ctx)
		case <-stop:
			log.Log.Infof("[Sweeper] ✅ Sweeper stopped")
			return
		case <-ctx.Done():
			s.mu.Lock()
			if s.done == done {
				s.running = false
			}
			s.mu.Unlock()
			log.Log.Infof("[Sweeper] ✅ Sweeper stopped (context cancelled)")
			return
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	result, err := s.manager.AutoEndInactive(ctx)
	if err != nil {
		log.Log.Errorf("[Sweeper] ❌ Sweep failed: %v", err)
	}
	if s.onSweep != nil {
		s.onSweep(result, err)
	}
}
