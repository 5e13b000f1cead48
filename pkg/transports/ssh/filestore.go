package ssh

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
)

// ConfigFunc returns the connection settings for a host.
type ConfigFunc func(host string) *Config

// FileStore reads and writes sftp:// locations on the LIMS file store. It
// keeps one connection per host.
type FileStore struct {
	configFor ConfigFunc

	mu      sync.Mutex
	clients map[string]*Client
}

// NewFileStore returns a store that connects with configFor(host).
func NewFileStore(configFor ConfigFunc) *FileStore {
	return &FileStore{configFor: configFor, clients: make(map[string]*Client)}
}

// ParseLocation splits an sftp:// location into host, port and path. Port is
// zero when the location has none.
func ParseLocation(location string) (host string, port int, remotePath string, err error) {
	u, err := url.Parse(location)
	if err != nil {
		return "", 0, "", fmt.Errorf("invalid location %q: %w", location, err)
	}
	if u.Scheme != "sftp" {
		return "", 0, "", fmt.Errorf("invalid location %q: scheme must be sftp", location)
	}
	if u.Hostname() == "" || u.Path == "" {
		return "", 0, "", fmt.Errorf("invalid location %q: host and path are required", location)
	}
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return "", 0, "", fmt.Errorf("invalid location %q: %w", location, err)
		}
	}
	return u.Hostname(), port, u.Path, nil
}

func (s *FileStore) connect(ctx context.Context, host string, port int) (*Client, error) {
	key := host
	if port > 0 {
		key = host + ":" + strconv.Itoa(port)
	}

	s.mu.Lock()
	client, ok := s.clients[key]
	if !ok {
		cfg := s.configFor(host)
		if port > 0 {
			cfg.Port = port
		}
		var err error
		client, err = NewClient(cfg)
		if err != nil {
			s.mu.Unlock()
			return nil, err
		}
		s.clients[key] = client
	}
	s.mu.Unlock()

	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	return client, nil
}

// session opens an SFTP session for location.
func (s *FileStore) session(ctx context.Context, op, location string) (*sftp.Client, string, error) {
	host, port, remotePath, err := ParseLocation(location)
	if err != nil {
		return nil, "", &TransportError{Op: op, Location: location, Err: err}
	}
	client, err := s.connect(ctx, host, port)
	if err != nil {
		return nil, "", err
	}
	conn, err := client.sshClient()
	if err != nil {
		return nil, "", err
	}
	sc, err := sftp.NewClient(conn)
	if err != nil {
		return nil, "", &TransportError{
			Op:          op,
			Location:    location,
			Err:         fmt.Errorf("failed to create SFTP client: %w", err),
			IsTemporary: true,
		}
	}
	return sc, remotePath, nil
}

// remoteFile closes the SFTP session with the file.
type remoteFile struct {
	*sftp.File
	session *sftp.Client
}

func (f *remoteFile) Close() error {
	err := f.File.Close()
	if serr := f.session.Close(); err == nil {
		err = serr
	}
	return err
}

// Open reads the content at location. It satisfies clarity.ContentOpener.
func (s *FileStore) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	sc, remotePath, err := s.session(ctx, "open", location)
	if err != nil {
		return nil, err
	}
	f, err := sc.Open(remotePath)
	if err != nil {
		_ = sc.Close()
		return nil, &TransportError{Op: "open", Location: location, Err: err}
	}
	log.Debug().Str("location", location).Msg("opened remote file")
	return &remoteFile{File: f, session: sc}, nil
}

// Stat returns the file info of location.
func (s *FileStore) Stat(ctx context.Context, location string) (os.FileInfo, error) {
	sc, remotePath, err := s.session(ctx, "stat", location)
	if err != nil {
		return nil, err
	}
	defer sc.Close()

	info, err := sc.Stat(remotePath)
	if err != nil {
		return nil, &TransportError{Op: "stat", Location: location, Err: err}
	}
	return info, nil
}

// Download copies the content at location to w.
func (s *FileStore) Download(ctx context.Context, location string, w io.Writer) (int64, error) {
	start := time.Now()
	rc, err := s.Open(ctx, location)
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	n, err := copyWithContext(ctx, w, rc)
	if err != nil {
		return n, &TransportError{
			Op:          "download",
			Location:    location,
			Err:         fmt.Errorf("failed to copy file: %w", err),
			IsTemporary: true,
		}
	}

	log.Info().
		Str("location", location).
		Int64("bytes", n).
		Dur("duration", time.Since(start)).
		Msg("file downloaded successfully")
	return n, nil
}

// Upload writes r to location, creating parent directories. A zero mode
// leaves the server default.
func (s *FileStore) Upload(ctx context.Context, location string, r io.Reader, mode os.FileMode) (int64, error) {
	start := time.Now()
	sc, remotePath, err := s.session(ctx, "upload", location)
	if err != nil {
		return 0, err
	}
	defer sc.Close()

	if err := sc.MkdirAll(path.Dir(remotePath)); err != nil {
		return 0, &TransportError{
			Op:       "upload",
			Location: location,
			Err:      fmt.Errorf("failed to create remote directory: %w", err),
		}
	}

	f, err := sc.Create(remotePath)
	if err != nil {
		return 0, &TransportError{
			Op:          "upload",
			Location:    location,
			Err:         fmt.Errorf("failed to create remote file: %w", err),
			IsTemporary: true,
		}
	}
	defer f.Close()

	n, err := copyWithContext(ctx, f, r)
	if err != nil {
		return n, &TransportError{
			Op:          "upload",
			Location:    location,
			Err:         fmt.Errorf("failed to copy file: %w", err),
			IsTemporary: true,
		}
	}

	if mode != 0 {
		if err := sc.Chmod(remotePath, mode); err != nil {
			log.Warn().Err(err).Str("location", location).Msg("failed to set file permissions")
		}
	}

	log.Info().
		Str("location", location).
		Int64("bytes", n).
		Dur("duration", time.Since(start)).
		Msg("file uploaded successfully")
	return n, nil
}

// Checksum returns the hex SHA-256 of the content at location.
func (s *FileStore) Checksum(ctx context.Context, location string) (string, error) {
	hash := sha256.New()
	if _, err := s.Download(ctx, location, hash); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", hash.Sum(nil)), nil
}

// Close disconnects every host.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for key, c := range s.clients {
		if err := c.Disconnect(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.clients, key)
	}
	return firstErr
}

// copyWithContext copies data from src to dst while respecting context cancellation.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64

	for {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		default:
		}

		nr, err := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[0:nr])
			if nw > 0 {
				written += int64(nw)
			}
			if werr != nil {
				return written, werr
			}
			if nr != nw {
				return written, io.ErrShortWrite
			}
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			return written, err
		}
	}

	return written, nil
}
