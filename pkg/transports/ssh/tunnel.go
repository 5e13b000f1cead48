package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/SemaphoreSolutions/s4-clarity-lib/pkg/clarity"
)

var (
	_ clarity.Tunneler      = (*Tunneler)(nil)
	_ clarity.ContentOpener = (*FileStore)(nil)
)

// Tunneler forwards a local port to the API port of a LIMS host, the way
// "ssh -L" would. One forward is kept per host.
type Tunneler struct {
	configFor ConfigFunc

	mu      sync.Mutex
	tunnels map[string]*tunnel
}

type tunnel struct {
	client   *Client
	listener net.Listener
	target   string
	wg       sync.WaitGroup
}

// NewTunneler returns a tunneler that connects with configFor(host).
func NewTunneler(configFor ConfigFunc) *Tunneler {
	return &Tunneler{configFor: configFor, tunnels: make(map[string]*tunnel)}
}

// Tunnel returns the local address forwarding to host's API port, opening
// the forward on first use.
func (t *Tunneler) Tunnel(ctx context.Context, host string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if tn, ok := t.tunnels[host]; ok {
		return tn.listener.Addr().String(), nil
	}

	cfg := t.configFor(host)
	client, err := NewClient(cfg)
	if err != nil {
		return "", err
	}
	log.Info().Str("host", host).Msg("establishing SSH tunnel")
	if err := client.Connect(ctx); err != nil {
		return "", err
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		_ = client.Disconnect()
		return "", &TransportError{Op: "tunnel", Location: host, Err: err}
	}

	tn := &tunnel{client: client, listener: ln, target: cfg.TunnelTarget()}
	tn.wg.Add(1)
	go tn.serve()
	t.tunnels[host] = tn

	log.Info().
		Str("host", host).
		Str("local", ln.Addr().String()).
		Str("remote", tn.target).
		Msg("SSH tunnel established")
	return ln.Addr().String(), nil
}

func (tn *tunnel) serve() {
	defer tn.wg.Done()
	for {
		conn, err := tn.listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				log.Error().Err(err).Msg("tunnel accept failed")
			}
			return
		}
		go tn.forward(conn)
	}
}

func (tn *tunnel) forward(local net.Conn) {
	defer local.Close()

	conn, err := tn.client.sshClient()
	if err != nil {
		log.Error().Err(err).Msg("tunnel has no connection")
		return
	}
	remote, err := conn.Dial("tcp", tn.target)
	if err != nil {
		log.Error().Err(err).Str("remote", tn.target).Msg("tunnel dial failed")
		return
	}
	defer remote.Close()

	done := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(remote, local)
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(local, remote)
		done <- struct{}{}
	}()
	<-done
}

// Close stops every forward and disconnects.
func (t *Tunneler) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var errs []error
	for host, tn := range t.tunnels {
		if err := tn.listener.Close(); err != nil {
			errs = append(errs, err)
		}
		tn.wg.Wait()
		if err := tn.client.Disconnect(); err != nil {
			errs = append(errs, err)
		}
		delete(t.tunnels, host)
		log.Info().Str("host", host).Msg("SSH tunnel terminated")
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to close tunnels: %w", errors.Join(errs...))
	}
	return nil
}
