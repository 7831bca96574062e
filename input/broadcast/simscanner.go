package broadcast

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/envgate/errors"
	"github.com/c360/envgate/frame"
)

// SimScanner fabricates advertisements on a fixed interval so the full
// pipeline can run without a radio or relay. Values follow a
// deterministic walk; each value holds for three ticks so duplicate
// suppression is visible downstream.
type SimScanner struct {
	interval time.Duration
	devices  []uint8
	logger   *slog.Logger

	shutdown chan struct{}
	running  atomic.Bool
	mu       sync.Mutex
	wg       sync.WaitGroup

	cb         Callbacks
	delivering bool
	step       uint64
	readingID  uint16
}

// NewSimScanner creates a simulator emitting one advertisement per device
// every interval.
func NewSimScanner(interval time.Duration, devices []uint8, logger *slog.Logger) *SimScanner {
	if interval <= 0 {
		interval = time.Second
	}
	if len(devices) == 0 {
		devices = []uint8{1}
	}
	if logger == nil {
		logger = slog.Default().With("component", "sim-scanner")
	}
	return &SimScanner{
		interval: interval,
		devices:  devices,
		logger:   logger,
	}
}

// Open starts the tick loop and reports power immediately.
func (s *SimScanner) Open(cb Callbacks) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.Wrap(errors.ErrAlreadyStarted, "sim-scanner", "Open", "open")
	}

	s.mu.Lock()
	s.cb = cb
	s.delivering = false
	s.shutdown = make(chan struct{})
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.tickLoop()
	}()

	if cb.OnPowerState != nil {
		cb.OnPowerState(true)
	}

	s.logger.Info("sim scanner running",
		"interval", s.interval,
		"devices", len(s.devices))
	return nil
}

// StartScan enables delivery.
func (s *SimScanner) StartScan() error {
	if !s.running.Load() {
		return errors.Wrap(errors.ErrNotStarted, "sim-scanner", "StartScan", "scan start")
	}
	s.mu.Lock()
	s.delivering = true
	s.mu.Unlock()
	return nil
}

// StopScan pauses delivery; the tick loop keeps running.
func (s *SimScanner) StopScan() error {
	s.mu.Lock()
	s.delivering = false
	s.mu.Unlock()
	return nil
}

// Close stops the tick loop. No callbacks are invoked after Close.
func (s *SimScanner) Close() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	s.mu.Lock()
	if s.shutdown != nil {
		close(s.shutdown)
	}
	s.mu.Unlock()

	s.wg.Wait()

	s.mu.Lock()
	s.cb = Callbacks{}
	s.delivering = false
	s.mu.Unlock()
	return nil
}

func (s *SimScanner) tickLoop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			s.emit()
		}
	}
}

// emit fabricates one advertisement per simulated device.
func (s *SimScanner) emit() {
	s.mu.Lock()
	deliver := s.delivering
	cb := s.cb
	step := s.step
	s.step++
	s.readingID++
	readingID := s.readingID
	s.mu.Unlock()

	if !deliver || cb.OnAdvertisement == nil {
		return
	}

	// Values move one wire step every third tick.
	wobble := float64((step/3)%21)/10 - 1.0

	for _, dev := range s.devices {
		payload := frame.Encode(frame.Fields{
			DeviceID:     dev,
			ReadingID:    readingID,
			TemperatureC: 21.0 + wobble,
			HumidityPct:  45.0 + wobble,
			PressureHPa:  1008.0 + wobble,
			VoltageV:     2.95 + wobble/10,
		})
		cb.OnAdvertisement(Advertisement{
			Address:          fmt.Sprintf("SIM_%d", dev),
			RSSI:             -40 - int(step%30),
			ManufacturerData: payload,
		})
	}
}
