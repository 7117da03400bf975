package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gr-butler/irrigation/buffer"
	"github.com/gr-butler/irrigation/eeprom"
	"github.com/gr-butler/irrigation/eeprom/eepromtest"
	"github.com/gr-butler/irrigation/moisturelog"
	"github.com/gr-butler/irrigation/watering"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/gpio"
)

const (
	raw20 = 820  // 20%
	raw30 = 1229 // 30%
	raw60 = 2458 // 60%
)

type fakeSensor struct {
	raw   atomic.Int32
	calls atomic.Int32
	fail  atomic.Bool
	gate  chan struct{}
}

func (f *fakeSensor) SampleRaw() (int32, error) {
	f.calls.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	if f.fail.Load() {
		return 0, errors.New("adc not responding")
	}
	return f.raw.Load(), nil
}

type dutyRecorder struct {
	mu   sync.Mutex
	duty []gpio.Duty
}

func (d *dutyRecorder) SetDuty(v gpio.Duty) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.duty = append(d.duty, v)
	return nil
}

func (d *dutyRecorder) MaxDuty() gpio.Duty { return gpio.DutyMax }

// edges returns the duty history with repeats collapsed.
func (d *dutyRecorder) edges() []gpio.Duty {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []gpio.Duty
	for _, v := range d.duty {
		if len(out) == 0 || out[len(out)-1] != v {
			out = append(out, v)
		}
	}
	return out
}

type fakeReporter struct {
	mu        sync.Mutex
	moisture  []uint8
	statuses  []string
	alerts    []string
	auto      []bool
	histories []moisturelog.History
}

func (f *fakeReporter) ReportMoisture(p uint8) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.moisture = append(f.moisture, p)
}

func (f *fakeReporter) ReportWateringStatus(s string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, s)
}

func (f *fakeReporter) RaiseAlert(msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, msg)
}

func (f *fakeReporter) ReportAutoWatering(on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.auto = append(f.auto, on)
}

func (f *fakeReporter) ReportHistory(h moisturelog.History) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.histories = append(f.histories, h)
}

func (f *fakeReporter) moistures() []uint8 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint8(nil), f.moisture...)
}

func (f *fakeReporter) alertCount(msg string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, a := range f.alerts {
		if a == msg {
			n++
		}
	}
	return n
}

type fakeRecorder struct {
	mu       sync.Mutex
	readings []Reading
}

func (f *fakeRecorder) Record(_ context.Context, r Reading) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readings = append(f.readings, r)
	return nil
}

func (f *fakeRecorder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.readings)
}

type rig struct {
	s      *Scheduler
	log    *moisturelog.Log
	sensor *fakeSensor
	act    *dutyRecorder
	pump   *watering.Pump
	rep    *fakeReporter
	rec    *fakeRecorder

	mu     sync.Mutex
	events []string

	once   sync.Once
	cancel context.CancelFunc
	done   chan error
	err    error
}

func testConfig() Config {
	return Config{
		IdleTimeout:          time.Hour,
		SampleCount:          3,
		SampleDelay:          time.Millisecond,
		RawFullScale:         4095,
		Cooldown:             time.Hour,
		DefaultManualSeconds: watering.ManualMinSeconds,
		CriticalLevel:        10,
		CriticalClear:        20,
	}
}

func newRig(t *testing.T, cfg Config) *rig {
	dev, err := eeprom.New(eepromtest.New(), &eeprom.Opts{PollTimeout: 10 * time.Millisecond})
	require.NoError(t, err)
	l := moisturelog.New(dev, moisturelog.SamplePeriod)
	require.NoError(t, l.Reset(time.Now()))

	r := &rig{
		log:    l,
		sensor: &fakeSensor{},
		act:    &dutyRecorder{},
		rep:    &fakeReporter{},
		rec:    &fakeRecorder{},
	}
	r.sensor.raw.Store(raw60)
	r.pump = watering.NewPump(r.act)
	r.s = New(cfg, Deps{Log: l, Sensor: r.sensor, Pump: r.pump, Reporter: r.rep, Recorder: r.rec})
	r.s.trace = func(ev string) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, ev)
	}
	return r
}

func (r *rig) start(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan error, 1)
	go func() { r.done <- r.s.Run(ctx) }()
	t.Cleanup(func() { r.stop(t) })
}

func (r *rig) stop(t *testing.T) error {
	r.once.Do(func() {
		r.cancel()
		select {
		case r.err = <-r.done:
		case <-time.After(2 * time.Second):
			t.Error("scheduler did not stop")
		}
	})
	return r.err
}

func (r *rig) trace() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *rig) traced(ev string) func() bool {
	return func() bool {
		for _, e := range r.trace() {
			if e == ev {
				return true
			}
		}
		return false
	}
}

func (r *rig) sensorIdle() bool {
	return r.s.live(&r.s.sensorWorker) == nil
}

func TestManualSampleIsReportedNotStored(t *testing.T) {
	r := newRig(t, testConfig())
	r.start(t)

	r.s.TriggerManualSample()

	require.Eventually(t, func() bool { return len(r.rep.moistures()) == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, r.sensorIdle, time.Second, time.Millisecond)
	assert.Equal(t, []string{"sample:manual"}, r.trace())
	assert.Equal(t, []uint8{60}, r.rep.moistures())
	assert.Equal(t, 0, r.log.Len())
	assert.Equal(t, 0, r.rec.count())
	assert.Equal(t, Action(0), r.s.Pending())
	assert.EqualValues(t, 3, r.sensor.calls.Load())
}

func TestAutoAndManualSampleFoldIntoOneWorker(t *testing.T) {
	r := newRig(t, testConfig())
	r.s.Signal(AutoSample | ManualSample)
	r.start(t)

	require.Eventually(t, func() bool { return r.log.Len() == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, r.sensorIdle, time.Second, time.Millisecond)
	assert.Equal(t, []string{"sample:auto"}, r.trace())
	assert.Equal(t, []uint8{60}, r.rep.moistures())
	assert.Equal(t, 1, r.rec.count())
	assert.Equal(t, Action(0), r.s.Pending())

	v, ok, err := r.log.Last()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint8(60), v)
}

func TestAutoSampleReportsOnlyChanges(t *testing.T) {
	r := newRig(t, testConfig())
	r.start(t)

	r.s.Signal(AutoSample)
	require.Eventually(t, func() bool { return r.log.Len() == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, r.sensorIdle, time.Second, time.Millisecond)

	r.s.Signal(AutoSample)
	require.Eventually(t, func() bool { return r.log.Len() == 2 }, time.Second, time.Millisecond)
	require.Eventually(t, r.sensorIdle, time.Second, time.Millisecond)
	assert.Equal(t, []uint8{60}, r.rep.moistures())

	r.sensor.raw.Store(raw30)
	r.s.Signal(AutoSample)
	require.Eventually(t, func() bool { return r.log.Len() == 3 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return len(r.rep.moistures()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, []uint8{60, 30}, r.rep.moistures())
}

func TestSampleAtStart(t *testing.T) {
	cfg := testConfig()
	cfg.SampleAtStart = true
	r := newRig(t, cfg)
	assert.Equal(t, AutoSample, r.s.Pending())
	r.start(t)

	require.Eventually(t, func() bool { return r.log.Len() == 1 }, time.Second, time.Millisecond)
	st := r.s.Status()
	assert.True(t, st.HaveMoisture)
	assert.Equal(t, uint8(60), st.Moisture)
	assert.Equal(t, moisturelog.Capacity, st.Capacity)
}

func TestBusySensorDropsRequest(t *testing.T) {
	r := newRig(t, testConfig())
	r.sensor.gate = make(chan struct{})
	r.start(t)

	r.s.TriggerManualSample()
	require.Eventually(t, func() bool { return r.sensor.calls.Load() == 1 }, time.Second, time.Millisecond)

	r.s.TriggerManualSample()
	require.Eventually(t, r.traced("sample:busy"), time.Second, time.Millisecond)
	assert.Equal(t, Action(0), r.s.Pending())

	close(r.sensor.gate)
	require.Eventually(t, r.sensorIdle, time.Second, time.Millisecond)
	assert.Equal(t, []string{"sample:manual", "sample:busy"}, r.trace())
	assert.Len(t, r.rep.moistures(), 1)
}

func TestSensorFailureEndsWorkerOnly(t *testing.T) {
	r := newRig(t, testConfig())
	r.sensor.fail.Store(true)
	r.start(t)

	r.s.Signal(AutoSample)
	require.Eventually(t, r.traced("sample:auto"), time.Second, time.Millisecond)
	require.Eventually(t, r.sensorIdle, time.Second, time.Millisecond)
	assert.Equal(t, 0, r.log.Len())
	assert.Empty(t, r.rep.moistures())

	r.sensor.fail.Store(false)
	r.s.Signal(AutoSample)
	require.Eventually(t, func() bool { return r.log.Len() == 1 }, time.Second, time.Millisecond)
}

func TestSampleThenAutoWaterInOneWake(t *testing.T) {
	cfg := testConfig()
	cfg.AutoSettle = 100 * time.Millisecond
	r := newRig(t, cfg)
	r.sensor.raw.Store(raw30)
	r.s.autoWatering.Store(true)
	r.s.Signal(AutoSample | AutoWater)
	r.start(t)

	require.Eventually(t, r.pump.Watering, time.Second, time.Millisecond)
	assert.Equal(t, []string{"sample:auto", "water:auto"}, r.trace())
	assert.Equal(t, Action(0), r.s.Pending())
	assert.Equal(t, 1, r.rep.alertCount(StatusWatering))

	require.ErrorIs(t, r.stop(t), context.Canceled)
	assert.False(t, r.pump.Watering())
	assert.Equal(t, []gpio.Duty{gpio.DutyMax, 0}, r.act.edges())
}

func TestAutoWaterSkippedWhenDisabled(t *testing.T) {
	r := newRig(t, testConfig())
	r.start(t)

	r.s.Signal(AutoWater)
	require.Eventually(t, r.traced("water:auto:disabled"), time.Second, time.Millisecond)
	assert.Equal(t, Action(0), r.s.Pending())
	assert.Nil(t, r.s.live(&r.s.pumpWorker))
	assert.Empty(t, r.act.edges())
}

func TestAutoWaterWithoutReadingDoesNotWater(t *testing.T) {
	r := newRig(t, testConfig())
	r.s.autoWatering.Store(true)
	r.start(t)

	r.s.Signal(AutoWater)
	require.Eventually(t, r.traced("water:auto"), time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, r.act.edges())

	// the cycle is cooling down, a second alarm must not start another
	r.s.Signal(AutoWater)
	require.Eventually(t, r.traced("water:auto:busy"), time.Second, time.Millisecond)
}

func TestAutoWaterWetSoil(t *testing.T) {
	r := newRig(t, testConfig())
	require.NoError(t, r.log.Append(60))
	r.s.autoWatering.Store(true)
	r.start(t)

	r.s.Signal(AutoWater)
	require.Eventually(t, r.traced("water:auto"), time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.False(t, r.pump.Watering())
	assert.Empty(t, r.act.edges())
}

func TestManualWaterCancelsAutoWater(t *testing.T) {
	r := newRig(t, testConfig())
	require.NoError(t, r.log.Append(20))
	r.s.autoWatering.Store(true)
	r.start(t)

	r.s.Signal(AutoWater)
	require.Eventually(t, r.pump.Watering, time.Second, time.Millisecond)

	require.NoError(t, r.s.TriggerManualWater(5))
	require.Eventually(t, r.traced("water:manual"), time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return len(r.act.edges()) == 3 }, time.Second, time.Millisecond)

	assert.Equal(t, []string{"water:auto", "water:cancel:auto", "water:manual"}, r.trace())
	assert.Equal(t, []gpio.Duty{gpio.DutyMax, 0, gpio.DutyMax}, r.act.edges())
	h := r.s.live(&r.s.pumpWorker)
	require.NotNil(t, h)
	assert.Equal(t, modeManual, h.mode)
	assert.True(t, r.pump.Watering())

	r.stop(t)
	assert.False(t, r.pump.Watering())
	assert.Equal(t, []gpio.Duty{gpio.DutyMax, 0, gpio.DutyMax, 0}, r.act.edges())
}

func TestAutoWaterDispatchedBeforeManual(t *testing.T) {
	r := newRig(t, testConfig())
	require.NoError(t, r.log.Append(20))
	r.s.autoWatering.Store(true)
	require.NoError(t, r.s.TriggerManualWater(7))
	r.s.Signal(AutoWater)
	r.start(t)

	require.Eventually(t, r.traced("water:manual"), time.Second, time.Millisecond)
	assert.Equal(t, []string{"water:auto", "water:cancel:auto", "water:manual"}, r.trace())
	assert.Equal(t, Action(0), r.s.Pending())
}

func TestTriggerManualWaterValidates(t *testing.T) {
	r := newRig(t, testConfig())

	assert.ErrorIs(t, r.s.TriggerManualWater(4), watering.ErrManualDuration)
	assert.ErrorIs(t, r.s.TriggerManualWater(101), watering.ErrManualDuration)
	assert.Equal(t, Action(0), r.s.Pending())

	require.NoError(t, r.s.TriggerManualWater(0))
	assert.EqualValues(t, watering.ManualMinSeconds, r.s.manualSeconds.Load())
	assert.Equal(t, ManualWater, r.s.Pending())
}

func TestToggleAutoWatering(t *testing.T) {
	r := newRig(t, testConfig())
	r.start(t)

	assert.True(t, r.s.ToggleAutoWatering())
	require.Eventually(t, r.traced("auto-water:true"), time.Second, time.Millisecond)
	assert.False(t, r.s.ToggleAutoWatering())
	require.Eventually(t, r.traced("auto-water:false"), time.Second, time.Millisecond)

	r.s.SetAutoWatering(true)
	require.Eventually(t, func() bool {
		r.rep.mu.Lock()
		defer r.rep.mu.Unlock()
		return len(r.rep.auto) == 3
	}, time.Second, time.Millisecond)
	assert.True(t, r.s.AutoWatering())
}

func TestHistory(t *testing.T) {
	r := newRig(t, testConfig())
	for _, v := range []uint8{40, 41, 42} {
		require.NoError(t, r.log.Append(v))
	}
	r.start(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	h, err := r.s.History(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uint8{40, 41, 42}, h.Readings)
	assert.Equal(t, moisturelog.SamplePeriod, h.Period)

	r.rep.mu.Lock()
	defer r.rep.mu.Unlock()
	require.Len(t, r.rep.histories, 1)
	assert.Equal(t, h.Readings, r.rep.histories[0].Readings)
}

func TestHistoryAfterShutdownEndsAtCallerDeadline(t *testing.T) {
	r := newRig(t, testConfig())
	r.start(t)
	r.stop(t)

	for i := 0; i < 3; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		_, err := r.s.History(ctx)
		cancel()
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	}

	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	assert.Empty(t, r.s.waiters)
}

func TestHistoryPendingOnShutdownIsCancelled(t *testing.T) {
	r := newRig(t, testConfig())
	errc := make(chan error, 1)
	go func() {
		_, err := r.s.History(context.Background())
		errc <- err
	}()
	require.Eventually(t, func() bool { return r.s.Pending() == DumpHistory }, time.Second, time.Millisecond)

	// with the wake drained and ctx already done, Run shuts down without
	// dispatching
	<-r.s.wake
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, r.s.Run(ctx), context.Canceled)

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("history waiter not answered")
	}
}

func TestSignalIsIdempotent(t *testing.T) {
	r := newRig(t, testConfig())

	r.s.TriggerManualSample()
	r.s.TriggerManualSample()
	r.s.Signal(ManualSample)
	r.s.TriggerManualSample()
	assert.Len(t, r.s.wake, 1)
	assert.Equal(t, ManualSample, r.s.Pending())

	r.start(t)
	require.Eventually(t, func() bool { return len(r.rep.moistures()) == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, r.sensorIdle, time.Second, time.Millisecond)

	assert.Equal(t, []string{"sample:manual"}, r.trace())
	assert.Equal(t, Action(0), r.s.Pending())
	assert.Len(t, r.s.wake, 0)
	assert.EqualValues(t, 3, r.sensor.calls.Load())
}

func TestFullLogStillReports(t *testing.T) {
	r := newRig(t, testConfig())
	for i := 0; i < moisturelog.Capacity; i++ {
		require.NoError(t, r.log.Append(50))
	}
	r.start(t)

	r.s.Signal(AutoSample)
	require.Eventually(t, func() bool { return len(r.rep.moistures()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, moisturelog.Capacity, r.log.Len())
	assert.Equal(t, 0, r.rec.count())
}

func TestIdleTimeoutDrainsPending(t *testing.T) {
	cfg := testConfig()
	cfg.IdleTimeout = 10 * time.Millisecond
	r := newRig(t, cfg)
	r.start(t)

	// set without waking the arbiter
	r.s.pending.Store(uint32(ManualSample))
	require.Eventually(t, func() bool { return len(r.rep.moistures()) == 1 }, time.Second, time.Millisecond)
}

func TestPeriodicAlarm(t *testing.T) {
	cfg := testConfig()
	cfg.SampleInterval = 10 * time.Millisecond
	r := newRig(t, cfg)
	r.start(t)

	require.Eventually(t, func() bool { return r.log.Len() >= 2 }, time.Second, time.Millisecond)
	assert.Contains(t, r.trace(), "water:auto:disabled")
}

func TestCriticalAlertHysteresis(t *testing.T) {
	r := newRig(t, testConfig())

	r.s.checkCritical(5)
	r.s.checkCritical(5)
	assert.Equal(t, 1, r.rep.alertCount(AlertCritical))

	r.s.checkCritical(15)
	r.s.checkCritical(5)
	assert.Equal(t, 1, r.rep.alertCount(AlertCritical))

	r.s.checkCritical(25)
	r.s.checkCritical(5)
	assert.Equal(t, 2, r.rep.alertCount(AlertCritical))
}

func TestPercent(t *testing.T) {
	r := newRig(t, testConfig())
	tests := []struct {
		avg  float64
		want uint8
	}{
		{0, 0},
		{-12, 0},
		{4095, 100},
		{5000, 100},
		{2047, 49},
		{raw20, 20},
		{raw30, 30},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, r.s.percent(buffer.Average(tt.avg)), "avg %v", tt.avg)
	}

	r.s.cfg.InvertRaw = true
	assert.Equal(t, uint8(100), r.s.percent(0))
	assert.Equal(t, uint8(0), r.s.percent(4095))
}

func TestActionString(t *testing.T) {
	assert.Equal(t, "none", Action(0).String())
	assert.Equal(t, "auto-sample|manual-water", (AutoSample | ManualWater).String())
}
