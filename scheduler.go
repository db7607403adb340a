package agentdesk

import (
	"context"

	"github.com/ghiac/agentdesk/conversation"
	"github.com/ghiac/agentdesk/log"
)

// StartSweeper starts the inactivity sweeper if enabled.
// It ends conversations idle longer than the configured threshold.
func (ad *Agentdesk) StartSweeper(ctx context.Context) {
	if !ad.config.Lifecycle.SweepEnabled {
		log.Log.Infof("[Agentdesk] ⏸️  Sweeper is disabled via AGENTDESK_SWEEP_ENABLED=false")
		return
	}

	ad.sweeperMu.Lock()
	if ad.sweeper == nil {
		ad.sweeper = conversation.NewSweeper(ad.conversations, ad.config.Lifecycle.SweepInterval)
	}
	sweeper := ad.sweeper
	ad.sweeperMu.Unlock()

	sweeper.Start(ctx)
	log.Log.Infof("[Agentdesk] ✅ Sweeper started | Interval: %v | InactivityThreshold: %v",
		ad.config.Lifecycle.SweepInterval, ad.config.Lifecycle.InactivityThreshold)
}

// StopSweeper stops the sweeper and waits for a running sweep to finish
func (ad *Agentdesk) StopSweeper() {
	ad.sweeperMu.RLock()
	sweeper := ad.sweeper
	ad.sweeperMu.RUnlock()

	if sweeper != nil && sweeper.IsRunning() {
		sweeper.Stop()
		log.Log.Infof("[Agentdesk] 🛑 Sweeper stopped")
	}
}

// SweepNow runs one inactivity sweep synchronously
func (ad *Agentdesk) SweepNow(ctx context.Context) (conversation.SweepResult, error) {
	return ad.conversations.AutoEndInactive(ctx)
}

// SweeperRunning reports whether the background sweeper is active
func (ad *Agentdesk) SweeperRunning() bool {
	ad.sweeperMu.RLock()
	defer ad.sweeperMu.RUnlock()
	return ad.sweeper != nil && ad.sweeper.IsRunning()
}
