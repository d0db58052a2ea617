package accel

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cring/acceleratorinator/pkg"
)

// Indicator timing.
const (
	// SampleInterval is the time each duty sample is held.
	SampleInterval = 16 * time.Millisecond

	// EvaluateInterval is how often the waveform is re-selected.
	EvaluateInterval = 1200 * time.Millisecond
)

// PWM receives duty samples from the indicator.
type PWM interface {
	SetDuty(duty uint16)
}

// Mode selects the indicator waveform.
type Mode uint8

// Indicator modes.
const (
	ModeSteady  Mode = iota // no fault: smooth sine
	ModeGlitchy             // fault: noisy sine
)

// String returns the mode name.
func (m Mode) String() string {
	if m == ModeGlitchy {
		return "glitchy"
	}
	return "steady"
}

// Waveform returns the duty table for m.
func (m Mode) Waveform() *[WaveformLen]uint16 {
	if m == ModeGlitchy {
		return &glitchyWave
	}
	return &sineWave
}

// Indicator drives a PWM output from transfer results: a steady sine while
// transfers succeed, a glitchy one after a fault.
type Indicator struct {
	pwm   PWM
	fault atomic.Bool

	sample   time.Duration
	evaluate time.Duration
	onMode   func(Mode)
}

// IndicatorOption configures an Indicator.
type IndicatorOption func(*Indicator)

// WithTiming overrides the sample and evaluation intervals.
func WithTiming(sample, evaluate time.Duration) IndicatorOption {
	return func(i *Indicator) {
		if sample > 0 {
			i.sample = sample
		}
		if evaluate > 0 {
			i.evaluate = evaluate
		}
	}
}

// WithOnModeChange registers a hook called when the waveform changes.
func WithOnModeChange(fn func(Mode)) IndicatorOption {
	return func(i *Indicator) { i.onMode = fn }
}

// NewIndicator creates an indicator writing to pwm.
func NewIndicator(pwm PWM, opts ...IndicatorOption) *Indicator {
	i := &Indicator{
		pwm:      pwm,
		sample:   SampleInterval,
		evaluate: EvaluateInterval,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Report records the outcome of a transfer cycle. It is safe to use as the
// accelerator's result hook.
func (i *Indicator) Report(r Result) {
	i.fault.Store(r.Fault)
}

// Mode returns the waveform the next evaluation will select.
func (i *Indicator) Mode() Mode {
	if i.fault.Load() {
		return ModeGlitchy
	}
	return ModeSteady
}

// Run plays the selected waveform until ctx ends. Each evaluation restarts
// the waveform from its first sample.
func (i *Indicator) Run(ctx context.Context) error {
	sample := time.NewTicker(i.sample)
	defer sample.Stop()
	evaluate := time.NewTicker(i.evaluate)
	defer evaluate.Stop()

	mode := i.Mode()
	i.modeChanged(mode)
	wave, idx := mode.Waveform(), 0
	i.pwm.SetDuty(wave[0])

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-evaluate.C:
			if next := i.Mode(); next != mode {
				mode = next
				i.modeChanged(mode)
			}
			wave, idx = mode.Waveform(), 0
			i.pwm.SetDuty(wave[0])

		case <-sample.C:
			idx = (idx + 1) % WaveformLen
			i.pwm.SetDuty(wave[idx])
		}
	}
}

func (i *Indicator) modeChanged(m Mode) {
	pkg.LogDebug(pkg.ComponentIndicator, "indicator mode", "mode", m.String())
	if i.onMode != nil {
		i.onMode(m)
	}
}

// WaveformLen is the number of duty samples in one waveform.
const WaveformLen = 150

var sineWave = [WaveformLen]uint16{
	0x00E6, 0x00F3, 0x0100, 0x010D, 0x011A, 0x0128, 0x0135, 0x0143, 0x0151, 0x015F, 0x016C, 0x017A,
	0x0188, 0x0196, 0x01A3, 0x01B0, 0x01BD, 0x01CA, 0x01D7, 0x01E3, 0x01EE, 0x01FA, 0x0205, 0x020F,
	0x0219, 0x0222, 0x022B, 0x0233, 0x023A, 0x0241, 0x0247, 0x024D, 0x0251, 0x0255, 0x0258, 0x025B,
	0x025C, 0x025D, 0x025D, 0x025C, 0x025B, 0x0258, 0x0255, 0x0251, 0x024D, 0x0247, 0x0241, 0x023A,
	0x0233, 0x022B, 0x0222, 0x0219, 0x020F, 0x0205, 0x01FA, 0x01EE, 0x01E3, 0x01D7, 0x01CA, 0x01BD,
	0x01B0, 0x01A3, 0x0196, 0x0188, 0x017A, 0x016C, 0x015F, 0x0151, 0x0143, 0x0135, 0x0128, 0x011A,
	0x010D, 0x0100, 0x00F3, 0x00E6, 0x00DA, 0x00CD, 0x00C2, 0x00B6, 0x00AB, 0x00A0, 0x0096, 0x008B,
	0x0082, 0x0078, 0x006F, 0x0067, 0x005F, 0x0057, 0x0050, 0x0049, 0x0042, 0x003C, 0x0036, 0x0030,
	0x002B, 0x0027, 0x0022, 0x001E, 0x001A, 0x0017, 0x0014, 0x0011, 0x000F, 0x000D, 0x000B, 0x0009,
	0x0008, 0x0007, 0x0006, 0x0005, 0x0005, 0x0005, 0x0005, 0x0006, 0x0007, 0x0008, 0x0009, 0x000B,
	0x000D, 0x000F, 0x0011, 0x0014, 0x0017, 0x001A, 0x001E, 0x0022, 0x0027, 0x002B, 0x0030, 0x0036,
	0x003C, 0x0042, 0x0049, 0x0050, 0x0057, 0x005F, 0x0067, 0x006F, 0x0078, 0x0082, 0x008B, 0x0096,
	0x00A0, 0x00AB, 0x00B6, 0x00C2, 0x00CD, 0x00DA,
}

var glitchyWave = [WaveformLen]uint16{
	0x00E7, 0x017F, 0x00AB, 0x00DB, 0x0128, 0x0109, 0x01C3, 0x00D1, 0x0102, 0x0213, 0x01A6, 0x0209,
	0x0207, 0x016A, 0x015C, 0x0196, 0x019E, 0x0120, 0x027D, 0x0213, 0x02CF, 0x0143, 0x0174, 0x01A4,
	0x025B, 0x02EC, 0x0252, 0x031D, 0x02D8, 0x0286, 0x02F0, 0x02B4, 0x01A2, 0x028D, 0x0239, 0x033D,
	0x02CD, 0x0247, 0x02BF, 0x0194, 0x0327, 0x0305, 0x02A6, 0x01B3, 0x0285, 0x01F3, 0x017A, 0x023E,
	0x01E6, 0x02B0, 0x02FF, 0x01E1, 0x01AF, 0x0221, 0x01B8, 0x0244, 0x0270, 0x01AF, 0x026F, 0x0128,
	0x022B, 0x01E2, 0x012C, 0x0116, 0x01CB, 0x01E8, 0x0113, 0x01D7, 0x00D2, 0x00A6, 0x00F0, 0x00F7,
	0x015A, 0x0077, 0x0191, 0x00D9, 0x0142, 0x00B7, 0x012B, 0x0114, 0x011E, 0x00E5, 0x00B2, 0x003D,
	0x008D, 0x004F, 0x0025, 0x005E, 0x003A, 0x0023, 0x00CA, 0x0087, 0x0049, 0x004C, 0x004A, 0x0000,
	0x0000, 0x0042, 0x003F, 0x0000, 0x0000, 0x0000, 0x0000, 0x0000, 0x0000, 0x001A, 0x0033, 0x000A,
	0x0000, 0x005F, 0x0004, 0x0000, 0x004C, 0x0000, 0x0000, 0x0041, 0x0011, 0x0000, 0x0013, 0x0025,
	0x0000, 0x0064, 0x0000, 0x0000, 0x0056, 0x005A, 0x0067, 0x002D, 0x0028, 0x0000, 0x0000, 0x0000,
	0x006E, 0x0094, 0x005B, 0x0037, 0x0089, 0x003F, 0x000F, 0x000F, 0x005E, 0x002A, 0x00FB, 0x00E5,
	0x0057, 0x00BE, 0x0079, 0x0078, 0x016A, 0x00CD,
}
