package transport

import (
	"fmt"
	"net"
	"time"

	"github.com/opaquewire/rdt/core/log"
	"github.com/opaquewire/rdt/core/worker"
	"github.com/opaquewire/rdt/metrics"
	"github.com/opaquewire/rdt/wire/frame"
)

// maxDatagramSize bounds a single read; it comfortably covers the
// 64-byte header plus MAX_FRAME_PAYLOAD and leaves slack for FEC/control
// frames with shorter payloads.
const maxDatagramSize = 2048

// readTimeout bounds each blocking read so the pump can observe Halt()
// without an indefinite block inside the kernel.
const readTimeout = 500 * time.Millisecond

// UDPAdapter is the one bound UDP socket per process (spec.md §4.L): it
// decodes inbound datagrams and dispatches them to the owning
// ConnectionManager, and answers outbound writes for every Connection.
// No per-connection sockets exist; migration depends on this.
type UDPAdapter struct {
	worker.Worker
	log *log.Logger

	conn    *net.UDPConn
	manager *ConnectionManager
}

// NewUDPAdapter binds localAddr and wires itself as manager's outbound
// UDPWriter. Call Start to begin the inbound read pump.
func NewUDPAdapter(localAddr string, manager *ConnectionManager) (*UDPAdapter, error) {
	addr, err := net.ResolveUDPAddr("udp", localAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve %s: %w", localAddr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", localAddr, err)
	}
	u := &UDPAdapter{
		log:     log.New("udp"),
		conn:    conn,
		manager: manager,
	}
	manager.udp = u
	return u, nil
}

// LocalAddr returns the bound socket's address.
func (u *UDPAdapter) LocalAddr() *net.UDPAddr {
	return u.conn.LocalAddr().(*net.UDPAddr)
}

// Start launches the inbound read pump.
func (u *UDPAdapter) Start() {
	u.Go(u.readLoop)
}

// Stop closes the socket and waits for the read pump to exit.
func (u *UDPAdapter) Stop() {
	_ = u.conn.Close()
	u.Halt()
	u.Wait()
}

// readLoop is the single I/O thread of spec.md §5: it must not block on
// Connection.HandleFrame, so each datagram's dispatch is handed off to
// its own goroutine from the shared pool.
func (u *UDPAdapter) readLoop() {
	buf := make([]byte, maxDatagramSize)
	for {
		select {
		case <-u.HaltCh():
			return
		default:
		}

		_ = u.conn.SetReadDeadline(time.Now().Add(readTimeout))
		n, addr, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-u.HaltCh():
				return
			default:
			}
			u.log.Warnf("udp read error: %v", err)
			continue
		}

		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		go u.dispatch(datagram, addr)
	}
}

func (u *UDPAdapter) dispatch(buf []byte, addr *net.UDPAddr) {
	f, err := frame.Decode(buf)
	if err != nil {
		metrics.MalformedFramesDropped.Inc()
		u.log.Debugf("dropping malformed datagram from %v: %v", addr, err)
		return
	}
	metrics.FramesReceived.Inc()
	metrics.BytesReceived.Add(float64(f.PayloadLen()))

	conn, ok := u.manager.Get(f.ConnectionID)
	if !ok {
		if f.Type != frame.CONNECT_REQUEST {
			u.log.Debugf("dropping %s for unknown connection %d from %v", f.Type, f.ConnectionID, addr)
			return
		}
		conn = u.manager.CreateOrGetInbound(f.ConnectionID, addr)
	}
	conn.HandleFrame(f, addr)
}

// WriteTo implements UDPWriter: a best-effort send reporting how long the
// underlying write took.
func (u *UDPAdapter) WriteTo(addr *net.UDPAddr, buf []byte) (time.Duration, error) {
	start := time.Now()
	_, err := u.conn.WriteToUDP(buf, addr)
	d := time.Since(start)
	if err != nil {
		return d, err
	}
	metrics.FramesSent.Inc()
	if len(buf) >= frame.HeaderSize {
		metrics.BytesSent.Add(float64(len(buf) - frame.HeaderSize))
	}
	return d, nil
}
