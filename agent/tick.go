package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/davecgh/go-spew/spew"
	log "github.com/sirupsen/logrus"

	"github.com/crenz/sensornode/config"
	"github.com/crenz/sensornode/rules"
)

// tick runs one iteration of the control loop. It returns ErrConfigChanged when the
// configuration file no longer matches the running snapshot.
func (a *Agent) tick(ctx context.Context) error {
	started := time.Now()
	cfg := a.run.Config

	a.checkHealth(ctx, cfg)
	if err := a.ensureConnected(ctx); err != nil {
		return err
	}

	for _, p := range a.prog.Pins {
		if err := a.evaluate(ctx, p); err != nil {
			return err
		}
	}

	digest, err := a.status.PublishStatus(ctx, a.results, a.run.LastDigest)
	if err != nil {
		return err
	}
	if digest != a.run.LastDigest {
		a.metrics.recordStatus()
	}
	a.run.LastDigest = digest
	a.metrics.recordTick(time.Since(started))

	if err := a.clock.Sleep(ctx, seconds(cfg.Main.ProcessInterval)); err != nil {
		return err
	}

	next, err := config.Load(a.path)
	if err != nil {
		return fmt.Errorf("reload config: %w", err)
	}
	if !next.Equal(cfg) {
		return ErrConfigChanged
	}

	a.run.Tick++
	return nil
}

// evaluate resolves the inputs of p and runs its action when due. Skipped pins keep
// their previous result.
func (a *Agent) evaluate(ctx context.Context, p *rules.Pin) error {
	logger := a.log.WithFields(log.Fields{
		"pin":    p.ID(),
		"action": p.Action.Name,
		"tick":   a.run.Tick,
	})

	params := p.Resolve(a.results)
	if !p.Due(a.run.Tick, a.clock.Now()) {
		logger.Debug("Skipped")
		a.metrics.recordSkip(p.ID())
		return nil
	}
	if a.log.IsLevelEnabled(log.DebugLevel) {
		logger.Debugf("Resolved inputs: %s", spew.Sdump(params))
	}

	v, err := p.Execute(ctx, a.env, a.handles[p.ID()], params)
	a.metrics.recordAction(p.ID(), p.Action.Name, err)
	if err != nil {
		return fmt.Errorf("pin %q: %s: %w", p.ID(), p.Action.Name, err)
	}
	a.results[p.ID()] = v
	logger.WithField("result", v).Debug("Executed")
	return nil
}

// checkHealth calls the health endpoint. A failed check is only logged.
func (a *Agent) checkHealth(ctx context.Context, cfg *config.File) {
	url := cfg.Expand(cfg.Health.URL)
	if url == "" {
		return
	}
	if rules.FetchJSON(ctx, a.http, url, "") == nil {
		a.log.WithField("url", url).Warn("Health check failed")
	}
}

// ensureConnected reconnects a dropped broker connection.
func (a *Agent) ensureConnected(ctx context.Context) error {
	if a.client.IsConnected() {
		return nil
	}
	a.log.Warn("MQTT connection lost, reconnecting")
	return connect(ctx, a.client, a.messaging)
}
