package watering

import (
	"context"
	"fmt"
	"sync"
	"time"

	logger "github.com/sirupsen/logrus"
	"periph.io/x/conn/v3/gpio"
)

// Actuator drives the pump motor.
type Actuator interface {
	SetDuty(d gpio.Duty) error
	MaxDuty() gpio.Duty
}

// Pump runs the actuator for a bounded time and always leaves it off.
type Pump struct {
	act Actuator

	mu       sync.Mutex
	watering bool
}

func NewPump(act Actuator) *Pump {
	return &Pump{act: act}
}

// Water runs the pump at full duty for d, or until ctx is done. The pump is
// switched off before Water returns whatever happened.
func (p *Pump) Water(ctx context.Context, d time.Duration) error {
	p.mu.Lock()
	p.watering = true
	p.mu.Unlock()
	defer func() {
		if err := p.Stop(); err != nil {
			logger.Errorf("Failed to stop pump [%v]", err)
		}
	}()

	if err := p.act.SetDuty(p.act.MaxDuty()); err != nil {
		return fmt.Errorf("start pump: %w", err)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop forces the pump off.
func (p *Pump) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.watering = false
	if err := p.act.SetDuty(0); err != nil {
		return fmt.Errorf("stop pump: %w", err)
	}
	return nil
}

// Watering reports whether the pump is running.
func (p *Pump) Watering() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.watering
}
