package broadcast

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/envgate/errors"
)

// UDPScanner observes advertisements relayed over UDP. A capture process
// near the radio forwards each observed advertisement as one datagram:
//
//	[addr_len u8][address bytes][rssi int8][frame payload]
//
// The payload lands in the manufacturer slot; the relay does not preserve
// which slot carried it on the air. Binding the socket counts as radio
// power, so a bind failure surfaces through Open rather than as a power
// transition.
type UDPScanner struct {
	listenAddr      string
	readBufferBytes int
	logger          *slog.Logger

	// Lifecycle management
	shutdown chan struct{}
	running  atomic.Bool
	mu       sync.Mutex
	wg       sync.WaitGroup
	conn     *net.UDPConn

	cb         Callbacks
	delivering bool
}

// NewUDPScanner creates a scanner bound to listenAddr once opened.
func NewUDPScanner(listenAddr string, readBufferBytes int, logger *slog.Logger) *UDPScanner {
	if logger == nil {
		logger = slog.Default().With("component", "udp-scanner")
	}
	return &UDPScanner{
		listenAddr:      listenAddr,
		readBufferBytes: readBufferBytes,
		logger:          logger,
	}
}

// Open binds the relay socket, starts the read loop and reports power.
func (s *UDPScanner) Open(cb Callbacks) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.Wrap(errors.ErrAlreadyStarted, "udp-scanner", "Open", "open")
	}

	addr, err := net.ResolveUDPAddr("udp", s.listenAddr)
	if err != nil {
		s.running.Store(false)
		return errors.WrapInvalid(fmt.Errorf("resolve %s: %w", s.listenAddr, err),
			"udp-scanner", "Open", "address resolution")
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		s.running.Store(false)
		return errors.WrapTransient(fmt.Errorf("listen on %s: %w", s.listenAddr, err),
			"udp-scanner", "Open", "socket binding")
	}

	// Grow the OS buffer so advertisement bursts do not drop.
	const socketBufferSize = 1 << 20
	if err := conn.SetReadBuffer(socketBufferSize); err != nil {
		s.logger.Warn("could not set UDP buffer size",
			"buffer_size", socketBufferSize,
			"error", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.cb = cb
	s.delivering = false
	s.shutdown = make(chan struct{})
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.readLoop()
	}()

	// The socket stands in for the radio: bound means powered.
	if cb.OnPowerState != nil {
		cb.OnPowerState(true)
	}

	s.logger.Info("udp scanner listening", "addr", conn.LocalAddr().String())
	return nil
}

// StartScan enables delivery of parsed advertisements.
func (s *UDPScanner) StartScan() error {
	if !s.running.Load() {
		return errors.Wrap(errors.ErrNotStarted, "udp-scanner", "StartScan", "scan start")
	}
	s.mu.Lock()
	s.delivering = true
	s.mu.Unlock()
	return nil
}

// StopScan pauses delivery; the socket keeps draining datagrams.
func (s *UDPScanner) StopScan() error {
	s.mu.Lock()
	s.delivering = false
	s.mu.Unlock()
	return nil
}

// Close stops the read loop and releases the socket. No callbacks are
// invoked after Close returns.
func (s *UDPScanner) Close() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	s.mu.Lock()
	if s.shutdown != nil {
		close(s.shutdown)
	}
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()

	s.mu.Lock()
	s.conn = nil
	s.cb = Callbacks{}
	s.delivering = false
	s.mu.Unlock()

	s.logger.Info("udp scanner closed")
	return nil
}

// Addr returns the bound listen address, or "" before Open.
func (s *UDPScanner) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return ""
	}
	return s.conn.LocalAddr().String()
}

// readLoop drains relay datagrams until shutdown.
func (s *UDPScanner) readLoop() {
	bufSize := s.readBufferBytes
	if bufSize < 64 {
		bufSize = 2048
	}
	buf := make([]byte, bufSize)

	for s.running.Load() {
		select {
		case <-s.shutdown:
			return
		default:
		}

		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn == nil {
			return
		}

		// Short deadline so shutdown is noticed promptly.
		_ = conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))

		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-s.shutdown:
				return
			default:
				if !errors.IsTransient(err) {
					s.logger.Error("udp scanner read failed", "error", err)
					return
				}
				continue
			}
		}

		adv, ok := parseDatagram(buf[:n])
		if !ok {
			s.logger.Debug("discarding malformed relay datagram", "bytes", n)
			continue
		}

		s.mu.Lock()
		deliver := s.delivering
		cb := s.cb
		s.mu.Unlock()

		if deliver && cb.OnAdvertisement != nil {
			cb.OnAdvertisement(adv)
		}
	}
}

// parseDatagram unpacks one relay datagram. The payload is copied because
// the read buffer is reused.
func parseDatagram(data []byte) (Advertisement, bool) {
	if len(data) < 2 {
		return Advertisement{}, false
	}
	addrLen := int(data[0])
	if addrLen == 0 || len(data) < 1+addrLen+1 {
		return Advertisement{}, false
	}
	addr := string(data[1 : 1+addrLen])
	rssi := int(int8(data[1+addrLen]))
	payload := append([]byte(nil), data[1+addrLen+1:]...)
	return Advertisement{
		Address:          addr,
		RSSI:             rssi,
		ManufacturerData: payload,
	}, true
}
