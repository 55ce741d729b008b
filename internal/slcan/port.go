package slcan

import (
	"fmt"
	"time"

	"github.com/tarm/serial"
)

// Port abstracts tarm/serial for testability.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

func Open(name string, baud int, readTimeout time.Duration) (Port, error) {
	cfg := &serial.Config{Name: name, Baud: baud, ReadTimeout: readTimeout}
	return serial.OpenPort(cfg)
}

// Setup puts the adapter on the bus: close any stale channel, program the
// bit rate, then open. Adapters answer each command with CR or bell; the
// replies are left for the read loop to swallow.
func Setup(p Port, bitrate int) error {
	code, err := SpeedCode(bitrate)
	if err != nil {
		return err
	}
	for _, cmd := range [][]byte{
		{'C', cr},
		{'S', code, cr},
		{'O', cr},
	} {
		if _, err := p.Write(cmd); err != nil {
			return fmt.Errorf("slcan setup %q: %w", cmd[0], err)
		}
	}
	return nil
}

// Teardown closes the adapter channel. Best effort; the port may already
// be gone.
func Teardown(p Port) {
	_, _ = p.Write([]byte{'C', cr})
}
