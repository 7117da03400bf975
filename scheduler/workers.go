package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/gr-butler/irrigation/buffer"
	"github.com/gr-butler/irrigation/moisturelog"
	"github.com/gr-butler/irrigation/watering"
	logger "github.com/sirupsen/logrus"
)

type mode string

const (
	modeAuto   mode = "auto"
	modeManual mode = "manual"
)

// handle tracks one live worker. The worker clears its own slot before done
// is closed, so a nil slot means nothing of that kind is running.
type handle struct {
	kind   string
	mode   mode
	cancel context.CancelFunc
	done   chan struct{}
}

type sensorArgs struct {
	manual      bool
	forceReport bool
}

func (s *Scheduler) live(slot **handle) *handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *slot
}

func (s *Scheduler) spawn(ctx context.Context, slot **handle, kind string, m mode, fn func(context.Context) error) *handle {
	wctx, cancel := context.WithCancel(ctx)
	h := &handle{kind: kind, mode: m, cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	*slot = h
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(h.done)
		defer cancel()

		err := fn(wctx)

		s.mu.Lock()
		if *slot == h {
			*slot = nil
		}
		s.mu.Unlock()

		switch {
		case err == nil:
		case errors.Is(err, context.Canceled):
			logger.Infof("[%v] %v worker cancelled", kind, m)
		default:
			logger.Errorf("[%v] %v worker failed [%v]", kind, m, err)
			Prom_workerErrors.WithLabelValues(kind).Inc()
		}
	}()
	return h
}

func (s *Scheduler) startSensor(ctx context.Context, args sensorArgs) {
	if h := s.live(&s.sensorWorker); h != nil {
		logger.Debugf("Sensor worker busy [%v], sample request dropped", h.mode)
		Prom_dropped.WithLabelValues("sensor").Inc()
		s.tracef("sample:busy")
		return
	}
	m := modeAuto
	if args.manual {
		m = modeManual
	}
	s.tracef("sample:%v", m)
	s.spawn(ctx, &s.sensorWorker, "sensor", m, func(wctx context.Context) error {
		return s.sample(wctx, args)
	})
}

func (s *Scheduler) startAutoWater(ctx context.Context) {
	if !s.autoWatering.Load() {
		s.tracef("water:auto:disabled")
		return
	}
	if h := s.live(&s.pumpWorker); h != nil {
		logger.Debugf("Pump worker busy [%v], auto watering not started", h.mode)
		Prom_dropped.WithLabelValues("pump").Inc()
		s.tracef("water:auto:busy")
		return
	}
	s.tracef("water:auto")
	s.spawn(ctx, &s.pumpWorker, "pump", modeAuto, s.waterAuto)
}

// startManualWater replaces whatever the pump is doing. The old worker is
// joined before the new one starts so its deferred stop cannot land on top
// of the new run.
func (s *Scheduler) startManualWater(ctx context.Context, d time.Duration) {
	if h := s.live(&s.pumpWorker); h != nil {
		logger.Infof("Manual watering cancels running [%v] pump worker", h.mode)
		h.cancel()
		if err := s.deps.Pump.Stop(); err != nil {
			logger.Errorf("Failed to stop pump [%v]", err)
		}
		<-h.done
		s.tracef("water:cancel:%v", h.mode)
	}
	s.tracef("water:manual")
	s.spawn(ctx, &s.pumpWorker, "pump", modeManual, func(wctx context.Context) error {
		return s.waterManual(wctx, d)
	})
}

func (s *Scheduler) dumpHistory(ctx context.Context) {
	if h := s.live(&s.historyWorker); h != nil {
		<-h.done
	}
	s.tracef("history")

	var (
		h   moisturelog.History
		err error
	)
	hw := s.spawn(ctx, &s.historyWorker, "history", modeManual, func(context.Context) error {
		h, err = s.deps.Log.Snapshot()
		return err
	})
	<-hw.done

	if err == nil {
		for _, e := range h.Entries() {
			logger.Infof("History value [%v] = [%v%%] | date = [%v]", e.Index, e.Value, e.Time.Format(time.RFC822))
		}
		s.deps.Reporter.ReportHistory(h)
	}
	s.answerHistory(h, err)
}

func (s *Scheduler) sample(ctx context.Context, args sensorArgs) error {
	buf := buffer.NewBuffer(s.cfg.SampleCount)
	for i := 0; i < s.cfg.SampleCount; i++ {
		raw, err := s.deps.Sensor.SampleRaw()
		if err != nil {
			return err
		}
		buf.AddItem(raw)
		if i < s.cfg.SampleCount-1 {
			if err := sleep(ctx, s.cfg.SampleDelay); err != nil {
				return err
			}
		}
	}
	avg, lo, hi, _ := buf.GetAverageMinMaxSum()
	pct := s.percent(avg)
	logger.Infof("Moisture [%v%%] raw avg [%.1f] min [%v] max [%v] over [%v] samples", pct, float64(avg), lo, hi, buf.Len())

	prev, havePrev, err := s.deps.Log.Last()
	if err != nil {
		return err
	}

	if !args.manual {
		switch err := s.deps.Log.Append(pct); {
		case errors.Is(err, moisturelog.ErrFull):
			logger.Warnf("Moisture log full, reading [%v%%] not stored", pct)
		case err != nil:
			return err
		default:
			s.record(ctx, Reading{Time: time.Now(), Raw: float64(avg), Moisture: pct})
		}
	}

	s.moisture.Store(int32(pct))
	if args.forceReport || args.manual || !havePrev || prev != pct {
		s.deps.Reporter.ReportMoisture(pct)
	}
	s.checkCritical(pct)
	return nil
}

func (s *Scheduler) percent(avg buffer.Average) uint8 {
	p := int64(avg) * 100 / int64(s.cfg.RawFullScale)
	if p < 0 {
		p = 0
	}
	if p > moisturelog.MaxReading {
		p = moisturelog.MaxReading
	}
	if s.cfg.InvertRaw {
		p = moisturelog.MaxReading - p
	}
	return uint8(p)
}

func (s *Scheduler) record(ctx context.Context, r Reading) {
	if s.deps.Recorder == nil {
		return
	}
	if err := s.deps.Recorder.Record(ctx, r); err != nil {
		logger.Errorf("Failed to archive reading [%v]", err)
	}
}

// checkCritical raises the alert once when moisture drops below the critical
// level and re-arms it when the soil has recovered past CriticalClear.
func (s *Scheduler) checkCritical(pct uint8) {
	switch {
	case pct < s.cfg.CriticalLevel:
		if s.critical.CompareAndSwap(false, true) {
			logger.Warnf("Moisture critical [%v%%]", pct)
			s.deps.Reporter.RaiseAlert(AlertCritical)
		}
	case pct > s.cfg.CriticalClear:
		s.critical.Store(false)
	}
}

func (s *Scheduler) waterAuto(ctx context.Context) error {
	logger.Info("Auto watering cycle started")
	if err := sleep(ctx, s.cfg.AutoSettle); err != nil {
		return err
	}
	for s.autoWatering.Load() {
		p, ok, err := s.deps.Log.Last()
		if err != nil {
			return err
		}
		if !ok {
			logger.Info("No stored reading yet, skipping auto watering")
		} else if d, need := watering.DecideWatering(p); need {
			if err := s.water(ctx, modeAuto, d); err != nil {
				return err
			}
		} else {
			logger.Infof("Moisture [%v%%], no watering needed", p)
		}
		if err := sleep(ctx, s.cfg.Cooldown); err != nil {
			return err
		}
	}
	logger.Info("Auto watering cycle ended")
	return nil
}

func (s *Scheduler) waterManual(ctx context.Context, d time.Duration) error {
	if err := s.water(ctx, modeManual, d); err != nil {
		return err
	}
	return sleep(ctx, s.cfg.Cooldown)
}

func (s *Scheduler) water(ctx context.Context, m mode, d time.Duration) error {
	logger.Infof("Watering [%v] for [%v]", m, d)
	Prom_pumpRuns.WithLabelValues(string(m)).Inc()
	s.deps.Reporter.ReportWateringStatus(StatusWatering)
	s.deps.Reporter.RaiseAlert(StatusWatering)
	err := s.deps.Pump.Water(ctx, d)
	s.deps.Reporter.ReportWateringStatus(StatusIdle)
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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
