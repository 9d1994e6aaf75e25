package track

import (
	"bufio"
	"context"
	"errors"
	"io/fs"
	"sync"
	"time"

	"github.com/adrianmo/go-nmea"
	"go.bug.st/serial"

	"github.com/wayfarer-gps/wayfarer/internal/monitoring"
	"github.com/wayfarer-gps/wayfarer/internal/timeutil"
)

const knotsToMps = 0.514444

// NMEAConfig configures a serial NMEA-0183 receiver.
type NMEAConfig struct {
	PortName string
	BaudRate int

	// UEREMeters is the receiver's user-equivalent range error, multiplied
	// by the reported HDOP to estimate horizontal accuracy.
	UEREMeters float64
}

// DefaultNMEAConfig returns settings matching common USB GPS receivers.
func DefaultNMEAConfig(portName string) NMEAConfig {
	return NMEAConfig{
		PortName:   portName,
		BaudRate:   9600,
		UEREMeters: 5.0,
	}
}

// NMEASource reads position fixes from a serial NMEA-0183 GPS receiver.
// RMC sentences carry position, speed, and course; GGA sentences carry the
// HDOP used to estimate accuracy.
type NMEASource struct {
	cfg   NMEAConfig
	clock timeutil.Clock

	mu       sync.Mutex
	lastHDOP float64
}

// NewNMEASource creates a source for the given serial port. A nil clock
// falls back to the real clock.
func NewNMEASource(cfg NMEAConfig, clock timeutil.Clock) *NMEASource {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &NMEASource{cfg: cfg, clock: clock}
}

func (s *NMEASource) openPort() (serial.Port, error) {
	mode := &serial.Mode{
		BaudRate: s.cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: 1,
	}
	port, err := serial.Open(s.cfg.PortName, mode)
	if err != nil {
		return nil, mapPortError(err)
	}
	return port, nil
}

// mapPortError folds platform serial errors onto the package taxonomy.
// The serial library reports EACCES as a PortError code without wrapping
// the underlying errno, so the code has to be checked directly.
func mapPortError(err error) error {
	var pe *serial.PortError
	if errors.As(err, &pe) {
		return mapPortCode(pe.Code())
	}
	if errors.Is(err, fs.ErrPermission) {
		return ErrPermissionDenied
	}
	return ErrPositionUnavailable
}

func mapPortCode(code serial.PortErrorCode) error {
	if code == serial.PermissionDenied {
		return ErrPermissionDenied
	}
	return ErrPositionUnavailable
}

// Watch implements Source. It opens the port and streams parsed fixes until
// ctx is cancelled.
func (s *NMEASource) Watch(ctx context.Context, opts WatchOptions) (<-chan Position, <-chan error, error) {
	port, err := s.openPort()
	if err != nil {
		return nil, nil, err
	}

	fixes := make(chan Position, 8)
	errs := make(chan error, 1)

	go func() {
		<-ctx.Done()
		port.Close()
	}()

	go func() {
		defer close(fixes)
		defer close(errs)

		scan := bufio.NewScanner(port)
		for scan.Scan() {
			pos, ok := s.parseLine(scan.Text())
			if !ok {
				continue
			}
			select {
			case fixes <- pos:
			case <-ctx.Done():
				return
			}
		}
		if ctx.Err() != nil {
			return
		}
		if err := scan.Err(); err != nil {
			monitoring.Logf("nmea: read error on %s: %v", s.cfg.PortName, err)
		}
		errs <- ErrPositionUnavailable
	}()

	return fixes, errs, nil
}

// RequestFix implements Source. It reads the port until a valid RMC
// sentence arrives or the timeout elapses.
func (s *NMEASource) RequestFix(ctx context.Context, opts WatchOptions) (Position, error) {
	port, err := s.openPort()
	if err != nil {
		return Position{}, err
	}
	defer port.Close()

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = time.Second
	}
	port.SetReadTimeout(timeout)
	deadline := s.clock.Now().Add(timeout)

	scan := bufio.NewScanner(port)
	for s.clock.Now().Before(deadline) {
		if ctx.Err() != nil {
			return Position{}, ctx.Err()
		}
		if !scan.Scan() {
			break
		}
		if pos, ok := s.parseLine(scan.Text()); ok {
			return pos, nil
		}
	}
	return Position{}, ErrTimeout
}

// Permission implements Source by probing whether the port can be opened.
func (s *NMEASource) Permission() PermissionState {
	port, err := serial.Open(s.cfg.PortName, &serial.Mode{BaudRate: s.cfg.BaudRate})
	if err == nil {
		port.Close()
		return PermissionGranted
	}
	if errors.Is(mapPortError(err), ErrPermissionDenied) {
		return PermissionDenied
	}
	return PermissionPrompt
}

// parseLine converts one NMEA sentence into a fix. GGA sentences only
// update the cached HDOP; RMC sentences produce the fix itself.
func (s *NMEASource) parseLine(line string) (Position, bool) {
	sentence, err := nmea.Parse(line)
	if err != nil {
		return Position{}, false
	}

	switch m := sentence.(type) {
	case nmea.GGA:
		if m.FixQuality != nmea.Invalid {
			s.mu.Lock()
			s.lastHDOP = m.HDOP
			s.mu.Unlock()
		}
		return Position{}, false
	case nmea.RMC:
		if m.Validity != nmea.ValidRMC {
			return Position{}, false
		}
		speed := m.Speed * knotsToMps
		heading := m.Course
		s.mu.Lock()
		hdop := s.lastHDOP
		s.mu.Unlock()
		accuracy := hdop * s.cfg.UEREMeters
		if accuracy <= 0 {
			accuracy = s.cfg.UEREMeters
		}
		return Position{
			Latitude:       m.Latitude,
			Longitude:      m.Longitude,
			AccuracyMeters: accuracy,
			SpeedMps:       &speed,
			HeadingDeg:     &heading,
			CapturedAt:     s.clock.Now(),
		}, true
	default:
		return Position{}, false
	}
}
