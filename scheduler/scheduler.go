// Package scheduler serialises timer alarms and operator commands into a
// single arbiter that starts short-lived sensor, pump and history workers.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gr-butler/irrigation/moisturelog"
	"github.com/gr-butler/irrigation/watering"
	logger "github.com/sirupsen/logrus"
)

const (
	StatusWatering = "Watering the plant..."
	StatusIdle     = "Idle"

	AlertCritical = "Moisture on critical level!"
)

type Config struct {
	SampleInterval time.Duration // 0 disables the periodic alarm
	IdleTimeout    time.Duration
	SampleAtStart  bool

	SampleCount  int
	SampleDelay  time.Duration
	RawFullScale int32
	InvertRaw    bool

	AutoSettle           time.Duration
	Cooldown             time.Duration
	DefaultManualSeconds int

	CriticalLevel uint8
	CriticalClear uint8
}

func DefaultConfig() Config {
	return Config{
		SampleInterval:       moisturelog.SamplePeriod,
		IdleTimeout:          4 * time.Minute,
		SampleAtStart:        true,
		SampleCount:          50,
		SampleDelay:          20 * time.Millisecond,
		RawFullScale:         4095,
		AutoSettle:           3 * time.Second,
		Cooldown:             15 * time.Minute,
		DefaultManualSeconds: watering.ManualMinSeconds,
		CriticalLevel:        10,
		CriticalClear:        20,
	}
}

// Sensor returns one raw moisture count.
type Sensor interface {
	SampleRaw() (int32, error)
}

// Log is the part of *moisturelog.Log the workers use.
type Log interface {
	Append(v uint8) error
	Last() (uint8, bool, error)
	Snapshot() (moisturelog.History, error)
	Len() int
	Capacity() int
}

// Pump is the part of *watering.Pump the workers use.
type Pump interface {
	Water(ctx context.Context, d time.Duration) error
	Stop() error
	Watering() bool
}

// Reporter receives everything the outside world is told.
type Reporter interface {
	ReportMoisture(p uint8)
	ReportWateringStatus(status string)
	RaiseAlert(msg string)
	ReportAutoWatering(on bool)
	ReportHistory(h moisturelog.History)
}

// Reading is one completed sensor cycle.
type Reading struct {
	Time     time.Time
	Raw      float64
	Moisture uint8
	Manual   bool
}

// Recorder archives stored readings. Optional.
type Recorder interface {
	Record(ctx context.Context, r Reading) error
}

type Deps struct {
	Log      Log
	Sensor   Sensor
	Pump     Pump
	Reporter Reporter
	Recorder Recorder
}

type Status struct {
	Moisture     uint8  `json:"moisture_pct"`
	HaveMoisture bool   `json:"have_moisture"`
	AutoWatering bool   `json:"auto_watering"`
	Watering     bool   `json:"watering"`
	Stored       int    `json:"stored"`
	Capacity     int    `json:"capacity"`
	Pending      string `json:"pending"`
}

type historyResult struct {
	h   moisturelog.History
	err error
}

type Scheduler struct {
	cfg  Config
	deps Deps

	pending atomic.Uint32
	wake    chan struct{}

	autoWatering  atomic.Bool
	manualSeconds atomic.Int32
	critical      atomic.Bool
	moisture      atomic.Int32 // -1 until the first reading

	mu            sync.Mutex
	sensorWorker  *handle
	pumpWorker    *handle
	historyWorker *handle
	waiters       []chan historyResult

	wg sync.WaitGroup

	// trace is called with each dispatch decision, tests only.
	trace func(event string)
}

func New(cfg Config, deps Deps) *Scheduler {
	def := DefaultConfig()
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.SampleCount <= 0 {
		cfg.SampleCount = def.SampleCount
	}
	if cfg.RawFullScale <= 0 {
		cfg.RawFullScale = def.RawFullScale
	}
	if _, err := watering.ValidateManual(cfg.DefaultManualSeconds); err != nil {
		cfg.DefaultManualSeconds = def.DefaultManualSeconds
	}
	if deps.Reporter == nil {
		deps.Reporter = nopReporter{}
	}

	s := &Scheduler{
		cfg:  cfg,
		deps: deps,
		wake: make(chan struct{}, 1),
	}
	s.moisture.Store(-1)
	s.manualSeconds.Store(int32(cfg.DefaultManualSeconds))
	if cfg.SampleAtStart {
		s.Signal(AutoSample)
	}
	return s
}

// Run drives the arbiter until ctx is done. On return every worker has
// exited and the pump is off.
func (s *Scheduler) Run(ctx context.Context) error {
	logger.Infof("Scheduler started, sampling every [%v]", s.cfg.SampleInterval)
	if s.cfg.SampleInterval > 0 {
		go s.alarm(ctx)
	}

	idle := time.NewTimer(s.cfg.IdleTimeout)
	defer idle.Stop()
	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			logger.Info("Scheduler stopped")
			return ctx.Err()
		case <-s.wake:
		case <-idle.C:
			logger.Debug("Scheduler idle timeout, draining pending actions")
		}
		s.dispatch(ctx)

		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(s.cfg.IdleTimeout)
	}
}

// alarm is the periodic producer: sample and consider watering.
func (s *Scheduler) alarm(ctx context.Context) {
	t := time.NewTicker(s.cfg.SampleInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Signal(AutoSample | AutoWater)
		}
	}
}

func (s *Scheduler) dispatch(ctx context.Context) {
	pending := Action(s.pending.Load())
	if pending == 0 {
		return
	}
	logger.Debugf("Dispatching [%v]", pending)

	switch {
	case pending&AutoSample != 0:
		folded := pending & (AutoSample | ManualSample)
		s.take(folded)
		s.startSensor(ctx, sensorArgs{manual: false, forceReport: folded&ManualSample != 0})
	case pending&ManualSample != 0:
		s.take(ManualSample)
		s.startSensor(ctx, sensorArgs{manual: true, forceReport: true})
	}

	if pending&SetAutoWater != 0 {
		s.take(SetAutoWater)
		on := s.autoWatering.Load()
		logger.Infof("Auto watering [%v]", on)
		s.deps.Reporter.ReportAutoWatering(on)
		s.tracef("auto-water:%v", on)
	}

	switch {
	case pending&AutoWater != 0:
		s.take(AutoWater)
		s.startAutoWater(ctx)
	case pending&ManualWater != 0:
		s.take(ManualWater)
		s.startManualWater(ctx, time.Duration(s.manualSeconds.Load())*time.Second)
	}

	if pending&DumpHistory != 0 {
		s.take(DumpHistory)
		s.dumpHistory(ctx)
	}

	if Action(s.pending.Load()) != 0 {
		s.notify()
	}
}

// Signal sets bits in the pending mask and wakes the arbiter. Safe from any
// goroutine, never blocks.
func (s *Scheduler) Signal(a Action) {
	for {
		old := s.pending.Load()
		if s.pending.CompareAndSwap(old, old|uint32(a)) {
			break
		}
	}
	s.notify()
}

func (s *Scheduler) take(a Action) {
	for {
		old := s.pending.Load()
		if s.pending.CompareAndSwap(old, old&^uint32(a)) {
			Prom_dispatched.WithLabelValues(a.String()).Inc()
			return
		}
	}
}

func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Pending returns the bits not yet dispatched.
func (s *Scheduler) Pending() Action {
	return Action(s.pending.Load())
}

func (s *Scheduler) TriggerManualSample() {
	s.Signal(ManualSample)
}

// TriggerManualWater asks for a manual watering of seconds, or the configured
// default when seconds is 0. It replaces any watering in progress.
func (s *Scheduler) TriggerManualWater(seconds int) error {
	if seconds == 0 {
		seconds = s.cfg.DefaultManualSeconds
	}
	if _, err := watering.ValidateManual(seconds); err != nil {
		return err
	}
	s.manualSeconds.Store(int32(seconds))
	s.Signal(ManualWater)
	return nil
}

func (s *Scheduler) SetAutoWatering(on bool) {
	s.autoWatering.Store(on)
	s.Signal(SetAutoWater)
}

// ToggleAutoWatering flips auto watering and returns the new state.
func (s *Scheduler) ToggleAutoWatering() bool {
	for {
		old := s.autoWatering.Load()
		if s.autoWatering.CompareAndSwap(old, !old) {
			s.Signal(SetAutoWater)
			return !old
		}
	}
}

func (s *Scheduler) AutoWatering() bool {
	return s.autoWatering.Load()
}

func (s *Scheduler) DumpHistory() {
	s.Signal(DumpHistory)
}

// History requests a dump and waits for the read back.
func (s *Scheduler) History(ctx context.Context) (moisturelog.History, error) {
	ch := make(chan historyResult, 1)
	s.mu.Lock()
	s.waiters = append(s.waiters, ch)
	s.mu.Unlock()
	s.DumpHistory()

	select {
	case r := <-ch:
		return r.h, r.err
	case <-ctx.Done():
		s.dropWaiter(ch)
		return moisturelog.History{}, ctx.Err()
	}
}

func (s *Scheduler) dropWaiter(ch chan historyResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, w := range s.waiters {
		if w == ch {
			s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
			return
		}
	}
}

func (s *Scheduler) answerHistory(h moisturelog.History, err error) {
	s.mu.Lock()
	waiters := s.waiters
	s.waiters = nil
	s.mu.Unlock()
	for _, ch := range waiters {
		ch <- historyResult{h: h, err: err}
	}
}

func (s *Scheduler) Status() Status {
	m := s.moisture.Load()
	st := Status{
		HaveMoisture: m >= 0,
		AutoWatering: s.autoWatering.Load(),
		Watering:     s.deps.Pump.Watering(),
		Stored:       s.deps.Log.Len(),
		Capacity:     s.deps.Log.Capacity(),
		Pending:      s.Pending().String(),
	}
	if m >= 0 {
		st.Moisture = uint8(m)
	}
	return st
}

func (s *Scheduler) shutdown() {
	s.mu.Lock()
	live := []*handle{s.sensorWorker, s.pumpWorker, s.historyWorker}
	s.mu.Unlock()
	for _, h := range live {
		if h != nil {
			h.cancel()
		}
	}
	if err := s.deps.Pump.Stop(); err != nil {
		logger.Errorf("Failed to stop pump on shutdown [%v]", err)
	}
	s.wg.Wait()
	s.answerHistory(moisturelog.History{}, context.Canceled)
}

func (s *Scheduler) tracef(format string, args ...interface{}) {
	if s.trace != nil {
		s.trace(fmt.Sprintf(format, args...))
	}
}

type nopReporter struct{}

func (nopReporter) ReportMoisture(uint8)              {}
func (nopReporter) ReportWateringStatus(string)       {}
func (nopReporter) RaiseAlert(string)                 {}
func (nopReporter) ReportAutoWatering(bool)           {}
func (nopReporter) ReportHistory(moisturelog.History) {}
