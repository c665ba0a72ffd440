package actuator

import (
	"fmt"

	iface "StrikerBot/interface"
	"StrikerBot/logger"
)

const (
	BackendFirmata = "firmata"
	BackendSerial  = "serial"
	BackendNoop    = "noop"
)

// Config selects and parameterizes the drive backend.
type Config struct {
	Backend string      `yaml:"backend"`
	Device  string      `yaml:"device"`
	Baud    int         `yaml:"baud"`
	Pins    FirmataPins `yaml:"pins"`
}

// FirmataPins maps the two H-bridge channels of a firmata-driven base.
type FirmataPins struct {
	LeftPWM  uint8 `yaml:"leftPwm"`
	LeftFwd  uint8 `yaml:"leftFwd"`
	LeftRev  uint8 `yaml:"leftRev"`
	RightPWM uint8 `yaml:"rightPwm"`
	RightFwd uint8 `yaml:"rightFwd"`
	RightRev uint8 `yaml:"rightRev"`
}

// motorSetter is the single primitive a backend has to provide; the named
// gaits are derived from it.
type motorSetter interface {
	SetMotors(left, right float64) error
	Close() error
}

// drive layers the named gaits over a backend's SetMotors.
type drive struct {
	motorSetter
}

func (d drive) Forward(speed float64) error { return d.SetMotors(speed, speed) }

// Left spins in place: left wheel backward, right wheel forward.
func (d drive) Left(speed float64) error { return d.SetMotors(-speed, speed) }

func (d drive) Stop() error { return d.SetMotors(0, 0) }

// Open builds the configured drive backend.
func Open(cfg Config) (iface.Drive, error) {
	switch cfg.Backend {
	case BackendFirmata:
		m, err := openFirmata(cfg)
		if err != nil {
			return nil, err
		}
		return drive{m}, nil
	case BackendSerial:
		m, err := openSerial(cfg)
		if err != nil {
			return nil, err
		}
		return drive{m}, nil
	case BackendNoop, "":
		return drive{noopMotors{}}, nil
	default:
		return nil, fmt.Errorf("unknown drive backend %q", cfg.Backend)
	}
}

// noopMotors logs commands instead of moving anything. Used on the bench.
type noopMotors struct{}

func (noopMotors) SetMotors(left, right float64) error {
	logger.S().Infof("drive: set_motors left=%.3f right=%.3f", left, right)
	return nil
}

func (noopMotors) Close() error { return nil }

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
