package actuator

import (
	"encoding/json"
	"fmt"
	"io"

	"go.bug.st/serial"
)

// serialMotors speaks the JSON line protocol of serial motor controller
// boards: one {"T":1,"L":...,"R":...} command per line.
type serialMotors struct {
	port io.WriteCloser
}

// speedCommand is the wheel-speed frame of the controller protocol.
// T selects the command type; 1 is differential speed control.
type speedCommand struct {
	T int     `json:"T"`
	L float64 `json:"L"`
	R float64 `json:"R"`
}

func openSerial(cfg Config) (*serialMotors, error) {
	baud := cfg.Baud
	if baud == 0 {
		baud = 115200
	}
	port, err := serial.Open(cfg.Device, &serial.Mode{
		BaudRate: baud,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", cfg.Device, err)
	}
	return &serialMotors{port: port}, nil
}

func (m *serialMotors) SetMotors(left, right float64) error {
	frame, err := encodeSpeedCommand(left, right)
	if err != nil {
		return err
	}
	if _, err := m.port.Write(frame); err != nil {
		return fmt.Errorf("write speed command: %w", err)
	}
	return nil
}

func encodeSpeedCommand(left, right float64) ([]byte, error) {
	cmd := speedCommand{T: 1, L: clamp(left, -1, 1), R: clamp(right, -1, 1)}
	b, err := json.Marshal(cmd)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

func (m *serialMotors) Close() error {
	if _, err := m.port.Write(mustStopFrame()); err != nil {
		_ = m.port.Close()
		return err
	}
	return m.port.Close()
}

func mustStopFrame() []byte {
	frame, _ := encodeSpeedCommand(0, 0)
	return frame
}
