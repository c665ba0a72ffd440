package actuator

import (
	"fmt"
	"math"

	"github.com/spencerhhubert/go-firmata"
)

// firmataMotors drives two H-bridge channels through a Firmata board: one
// PWM pin for speed and two direction pins per side.
type firmataMotors struct {
	dev  *firmata.FirmataClient
	pins FirmataPins
}

func openFirmata(cfg Config) (*firmataMotors, error) {
	baud := cfg.Baud
	if baud == 0 {
		baud = 57600
	}
	dev, err := firmata.NewClient(cfg.Device, baud)
	if err != nil {
		return nil, fmt.Errorf("connect firmata on %s: %w", cfg.Device, err)
	}
	p := cfg.Pins
	dev.SetPinMode(p.LeftPWM, firmata.PWM)
	dev.SetPinMode(p.LeftFwd, firmata.Output)
	dev.SetPinMode(p.LeftRev, firmata.Output)
	dev.SetPinMode(p.RightPWM, firmata.PWM)
	dev.SetPinMode(p.RightFwd, firmata.Output)
	dev.SetPinMode(p.RightRev, firmata.Output)
	return &firmataMotors{dev: dev, pins: p}, nil
}

func (m *firmataMotors) SetMotors(left, right float64) error {
	left = clamp(left, -1, 1)
	right = clamp(right, -1, 1)
	m.channel(m.pins.LeftPWM, m.pins.LeftFwd, m.pins.LeftRev, left)
	m.channel(m.pins.RightPWM, m.pins.RightFwd, m.pins.RightRev, right)
	return nil
}

func (m *firmataMotors) channel(pwm, fwd, rev uint8, speed float64) {
	m.dev.DigitalWrite(fwd, speed > 0)
	m.dev.DigitalWrite(rev, speed < 0)
	m.dev.AnalogWrite(uint(pwm), pwmValue(speed))
}

// pwmValue maps a normalized speed magnitude onto the 8-bit PWM range.
func pwmValue(speed float64) byte {
	return byte(math.Round(math.Abs(speed) * 255))
}

func (m *firmataMotors) Close() error {
	_ = m.SetMotors(0, 0)
	m.dev.Close()
	return nil
}
