package workflow

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/adoption/model"
)

// ProcessExpirations expires every active contract whose signing window
// closed before now. Each contract goes through RequestTransition as the
// system actor in its own unit of work, so one failure does not stop the
// sweep. It returns the number of contracts expired.
func (e *Engine) ProcessExpirations(ctx context.Context, now time.Time) (int, error) {
	var due []*model.Contract
	err := e.retryOnce(ctx, "find_expired_contracts", func() error {
		var err error
		due, err = e.store.FindExpiredContracts(ctx, now)
		return err
	})
	if err != nil {
		e.metrics.RecordExpirySweep("error", 0)
		return 0, err
	}

	expired := 0
	for _, c := range due {
		if ctx.Err() != nil {
			break
		}
		_, err := e.RequestTransition(ctx, model.SystemActor(), model.TransitionRequest{
			Kind:       model.KindContract,
			EntityID:   c.ID,
			Transition: model.TransitionExpire,
		})
		switch {
		case err == nil:
			expired++
		case model.IsCode(err, model.ErrInvalidTransition):
			// Completed or expired since the scan.
			e.logger.Debug("contract no longer expirable", zap.String("contract_id", c.ID))
		default:
			e.logger.Warn("expiring contract",
				zap.String("contract_id", c.ID),
				zap.Error(err),
			)
		}
	}

	status := "ok"
	if ctx.Err() != nil {
		status = "cancelled"
	}
	e.metrics.RecordExpirySweep(status, expired)
	if expired > 0 {
		e.logger.Info("contract expiry sweep finished",
			zap.Int("due", len(due)),
			zap.Int("expired", expired),
		)
	}
	return expired, nil
}

// RunExpirySweeper calls ProcessExpirations every interval until ctx is done.
func (e *Engine) RunExpirySweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.ProcessExpirations(ctx, e.now()); err != nil {
				e.logger.Error("contract expiry sweep failed", zap.Error(err))
			}
		}
	}
}
