package engine

import (
	"context"
	"time"

	"github.com/ghiac/agentdesk/log"
	"github.com/ghiac/agentdesk/model"
)

// finalizeUsage records a turn's usage, retrying transient failures with a
// linear backoff. Usage that still cannot be written is counted and logged
// with its full record so it can be replayed.
func (d *Dispatcher) finalizeUsage(ctx context.Context, clientID string, rec model.UsageRecord) {
	var err error
	for attempt := 1; attempt <= d.config.UsageAttempts; attempt++ {
		if err = d.ledger.Record(ctx, clientID, rec); err == nil {
			return
		}
		if model.KindOf(err) == model.KindValidation {
			break
		}
		log.Log.Warnf("[Dispatcher] ⚠️  Usage record attempt %d/%d failed | ClientID: %s | Error: %v",
			attempt, d.config.UsageAttempts, clientID, err)
		if attempt < d.config.UsageAttempts {
			time.Sleep(d.config.UsageBackoff * time.Duration(attempt))
		}
	}

	d.metrics.UsageRecordFailed()
	log.Log.Errorf("[Dispatcher] ❌ Usage not recorded | ClientID: %s | TokensIn: %d | TokensOut: %d | ToolCalls: %d | Cost: %.6f | Error: %v",
		clientID, rec.TokensIn, rec.TokensOut, rec.ToolCalls, rec.Cost, err)
}
