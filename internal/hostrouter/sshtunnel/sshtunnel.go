// Package sshtunnel implements the per-host SSH tunnel contract from
// spec.md §4.4: when a WorkerHost carries SSH forwarding config, allocate
// a local ephemeral port, forward it to the host's remote Docker TCP
// endpoint, and hand back a local tcp:// URL. Tunnels are process-local
// singletons, held for the process lifetime.
package sshtunnel

import (
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"golang.org/x/crypto/ssh"
)

// Config mirrors state.SSHConfig plus the remote Docker endpoint it should
// forward to.
type Config struct {
	Host           string
	Port           int
	User           string
	KeyPath        string
	RemoteDockerAddr string // e.g. "127.0.0.1:2376" on the far side
}

// Tunnel is a live SSH port forward. LocalURL is a tcp:// address suitable
// for dockerengine.Dial.
type Tunnel struct {
	LocalURL string

	client   *ssh.Client
	listener net.Listener
	closed   chan struct{}
	once     sync.Once
}

// PortRange bounds the local ephemeral ports a Manager may allocate.
type PortRange struct {
	Min int
	Max int
}

// Manager owns one Tunnel per WorkerHost ID for the process lifetime. It is
// an explicit owned handle passed through the dispatcher/health components,
// not an ambient global (spec.md §9 "no singletons for the SSH tunnel
// manager").
type Manager struct {
	mu      sync.Mutex
	ports   PortRange
	nextPort int
	tunnels map[int64]*Tunnel
}

func NewManager(ports PortRange) *Manager {
	if ports.Min <= 0 {
		ports.Min = 19000
	}
	if ports.Max <= ports.Min {
		ports.Max = ports.Min + 1000
	}
	return &Manager{ports: ports, nextPort: ports.Min, tunnels: map[int64]*Tunnel{}}
}

// Open returns the existing tunnel for hostID if one is live, or
// establishes a new one. Safe for concurrent callers; only one dial happens
// per hostID.
func (m *Manager) Open(hostID int64, cfg Config) (*Tunnel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tunnels[hostID]; ok && !t.isClosed() {
		return t, nil
	}

	signer, err := loadSigner(cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("load ssh key %s: %w", cfg.KeyPath, err)
	}
	clientCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // LAN-trusted fleet; host keys are not verified
	}
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	client, err := ssh.Dial("tcp", addr, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("dial ssh %s: %w", addr, err)
	}

	localPort, listener, err := m.listenLocal()
	if err != nil {
		client.Close()
		return nil, err
	}

	remoteAddr := cfg.RemoteDockerAddr
	if remoteAddr == "" {
		remoteAddr = "127.0.0.1:2376"
	}

	t := &Tunnel{
		LocalURL: fmt.Sprintf("tcp://127.0.0.1:%d", localPort),
		client:   client,
		listener: listener,
		closed:   make(chan struct{}),
	}
	go t.serve(remoteAddr)
	m.tunnels[hostID] = t
	return t, nil
}

// Close tears down the tunnel for hostID, if any — called when the host is
// deleted or on process shutdown.
func (m *Manager) Close(hostID int64) {
	m.mu.Lock()
	t, ok := m.tunnels[hostID]
	delete(m.tunnels, hostID)
	m.mu.Unlock()
	if ok {
		t.close()
	}
}

// CloseAll tears down every live tunnel, for process shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	tunnels := make([]*Tunnel, 0, len(m.tunnels))
	for _, t := range m.tunnels {
		tunnels = append(tunnels, t)
	}
	m.tunnels = map[int64]*Tunnel{}
	m.mu.Unlock()
	for _, t := range tunnels {
		t.close()
	}
}

func (m *Manager) listenLocal() (int, net.Listener, error) {
	for p := m.nextPort; p < m.ports.Max; p++ {
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", p))
		if err == nil {
			m.nextPort = p + 1
			return p, ln, nil
		}
	}
	return 0, nil, fmt.Errorf("no free local port in range [%d,%d)", m.ports.Min, m.ports.Max)
}

func (t *Tunnel) serve(remoteAddr string) {
	for {
		local, err := t.listener.Accept()
		if err != nil {
			return
		}
		go t.forward(local, remoteAddr)
	}
}

func (t *Tunnel) forward(local net.Conn, remoteAddr string) {
	defer local.Close()
	remote, err := t.client.Dial("tcp", remoteAddr)
	if err != nil {
		return
	}
	defer remote.Close()
	done := make(chan struct{}, 2)
	go func() { _, _ = io.Copy(remote, local); done <- struct{}{} }()
	go func() { _, _ = io.Copy(local, remote); done <- struct{}{} }()
	<-done
}

func (t *Tunnel) isClosed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

func (t *Tunnel) close() {
	t.once.Do(func() {
		close(t.closed)
		_ = t.listener.Close()
		_ = t.client.Close()
	})
}

func loadSigner(path string) (ssh.Signer, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ssh.ParsePrivateKey(b)
}
