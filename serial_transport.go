package replhost

import (
	"errors"
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"
)

func init() {
	RegisterFactory(SchemeSerial, &serialFactory{})
}

// SerialOptions configures the serial Byte Transport. Defaults match
// SPEC_FULL.md §6: 115200 8N1, no handshake, LF newline, 30s read/write timeout.
type SerialOptions struct {
	BaudRate    int
	DataBits    int
	Parity      serial.Parity
	StopBits    serial.StopBits
	ReadTimeout time.Duration
	WriteDeadline time.Duration
}

func defaultSerialOptions() SerialOptions {
	return SerialOptions{
		BaudRate:      115200,
		DataBits:      8,
		Parity:        serial.NoParity,
		StopBits:      serial.OneStopBit,
		ReadTimeout:   30 * time.Second,
		WriteDeadline: 30 * time.Second,
	}
}

type serialFactory struct{}

func (serialFactory) NewTransport(ep *Endpoint, cfg *Config) (Transport, error) {
	return &serialTransport{port: ep.Parameter, opts: cfg.serial}, nil
}

// serialTransport drives a USB/UART serial port through go.bug.st/serial,
// the cross-platform serial library the retrieval pack reaches for whenever
// a repo talks to a real serial device (Thermoquad-heliostat,
// iamruinous-meshtastic-message-relay, teabreakninja-go-mesh all import it
// for exactly this purpose).
type serialTransport struct {
	port string
	opts SerialOptions
	conn serial.Port
}

func (t *serialTransport) Open() error {
	mode := &serial.Mode{
		BaudRate: t.opts.BaudRate,
		DataBits: t.opts.DataBits,
		Parity:   t.opts.Parity,
		StopBits: t.opts.StopBits,
	}
	conn, err := serial.Open(t.port, mode)
	if err != nil {
		var portErr *serial.PortError
		if errors.As(err, &portErr) {
			return fmt.Errorf("%w: %v", ErrAccessDenied, err)
		}
		return err
	}
	if err := conn.SetReadTimeout(t.opts.ReadTimeout); err != nil {
		conn.Close()
		return err
	}
	t.conn = conn
	return nil
}

func (t *serialTransport) Close() error {
	if t.conn == nil {
		return nil
	}
	return t.conn.Close()
}

func (t *serialTransport) ReadAvailable(buf []byte, deadlineMs int) (int, error) {
	if t.conn == nil {
		return 0, ErrTransportFailed
	}
	if err := t.conn.SetReadTimeout(time.Duration(deadlineMs) * time.Millisecond); err != nil {
		return 0, err
	}
	n, err := t.conn.Read(buf)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return n, fmt.Errorf("%w: %v", ErrTransportFailed, err)
		}
		return n, err
	}
	return n, nil
}

func (t *serialTransport) ReadExact(n int, deadlineMs int) ([]byte, error) {
	out := make([]byte, 0, n)
	remainingMs := deadlineMs
	start := time.Now()
	for len(out) < n {
		elapsed := int(time.Since(start).Milliseconds())
		remain := remainingMs - elapsed
		if remain <= 0 {
			return out, fmt.Errorf("%w: read_exact", ErrTimeout)
		}
		buf := make([]byte, n-len(out))
		got, err := t.ReadAvailable(buf, remain)
		if err != nil {
			return out, err
		}
		if got == 0 {
			return out, fmt.Errorf("%w: read_exact", ErrTimeout)
		}
		out = append(out, buf[:got]...)
	}
	return out, nil
}

// WriteAll writes p to the port. deadlineMs is not applied: the write blocks
// until the port accepts every byte or fails.
func (t *serialTransport) WriteAll(p []byte, deadlineMs int) error {
	if t.conn == nil {
		return ErrTransportFailed
	}
	_, err := t.conn.Write(p)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransportFailed, err)
	}
	return nil
}
