package transport

import (
	"fmt"
	"net"
	"strings"
	"sync"
)

// Manager implements TransportManager by delegating to one UDP and one TCP
// transport, picking between them per RFC 3261's MTU guidance when no
// specific transport is requested.
type Manager struct {
	udpTransport *UDPTransport
	tcpTransport *TCPTransport
	handler      MessageHandler
	running      bool
	mu           sync.RWMutex
}

// NewManager creates a transport manager with idle UDP and TCP transports.
func NewManager() *Manager {
	return &Manager{udpTransport: NewUDPTransport(), tcpTransport: NewTCPTransport()}
}

// StartUDP starts the UDP listener on port.
func (m *Manager) StartUDP(port int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handler != nil {
		m.udpTransport.RegisterHandler(m.handler)
	}
	if err := m.udpTransport.Start(port); err != nil {
		return fmt.Errorf("failed to start UDP transport: %w", err)
	}
	m.running = true
	return nil
}

// StartTCP starts the TCP listener on port.
func (m *Manager) StartTCP(port int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handler != nil {
		m.tcpTransport.RegisterHandler(m.handler)
	}
	if err := m.tcpTransport.Start(port); err != nil {
		return fmt.Errorf("failed to start TCP transport: %w", err)
	}
	m.running = true
	return nil
}

// SendMessage sends msg over the transport preferred, or the RFC 3261
// default (UDP under 1300 bytes, TCP above) when transport is empty.
func (m *Manager) SendMessage(msg []byte, transport string, addr net.Addr) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.running {
		return fmt.Errorf("transport manager not running")
	}

	switch strings.ToUpper(m.selectTransport(msg, transport, addr)) {
	case "UDP":
		if !m.udpTransport.IsRunning() {
			return fmt.Errorf("UDP transport not running")
		}
		return m.udpTransport.SendMessage(msg, addr)
	case "TCP":
		if !m.tcpTransport.IsRunning() {
			return fmt.Errorf("TCP transport not running")
		}
		return m.tcpTransport.SendMessage(msg, addr)
	default:
		return fmt.Errorf("unsupported transport: %s", transport)
	}
}

// RegisterHandler sets the handler invoked for every inbound message on
// either transport.
func (m *Manager) RegisterHandler(handler MessageHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = handler
	if m.udpTransport.IsRunning() {
		m.udpTransport.RegisterHandler(handler)
	}
	if m.tcpTransport.IsRunning() {
		m.tcpTransport.RegisterHandler(handler)
	}
}

// Stop stops both transports, returning a combined error if either fails.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []string
	if m.udpTransport.IsRunning() {
		if err := m.udpTransport.Stop(); err != nil {
			errs = append(errs, fmt.Sprintf("UDP: %v", err))
		}
	}
	if m.tcpTransport.IsRunning() {
		if err := m.tcpTransport.Stop(); err != nil {
			errs = append(errs, fmt.Sprintf("TCP: %v", err))
		}
	}
	m.running = false
	if len(errs) > 0 {
		return fmt.Errorf("errors stopping transports: %s", strings.Join(errs, ", "))
	}
	return nil
}

func (m *Manager) selectTransport(msg []byte, preferred string, addr net.Addr) string {
	if preferred != "" {
		return preferred
	}
	const maxUDPSize = 1300
	if len(msg) > maxUDPSize {
		return "TCP"
	}
	switch addr.(type) {
	case *net.UDPAddr:
		return "UDP"
	case *net.TCPAddr:
		return "TCP"
	}
	return "UDP"
}

// IsRunning reports whether either transport is currently listening.
func (m *Manager) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running && (m.udpTransport.IsRunning() || m.tcpTransport.IsRunning())
}
