package ssh

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SemaphoreSolutions/s4-clarity-lib/pkg/clarity"
	"github.com/SemaphoreSolutions/s4-clarity-lib/pkg/clarity/claritytest"
)

func TestClientConnect(t *testing.T) {
	server := newTestSSHServer(t)
	ctx := context.Background()

	client, err := NewClient(server.clientConfig())
	require.NoError(t, err)
	require.NoError(t, client.Connect(ctx))

	assert.True(t, client.IsConnected())
	assert.NoError(t, client.HealthCheck(ctx))
	assert.Equal(t, "glsai", client.Info().User)
	assert.False(t, client.Info().ConnectedAt.IsZero())

	// a second connect reuses the live connection
	require.NoError(t, client.Connect(ctx))

	require.NoError(t, client.Disconnect())
	assert.False(t, client.IsConnected())
	assert.Error(t, client.HealthCheck(ctx))
}

func TestClientKeyAuth(t *testing.T) {
	server := newTestSSHServer(t)
	config := server.clientConfig()
	config.AuthMethod = AuthMethodKey
	config.PrivateKeyPath = writeTestKey(t)

	client, err := NewClient(config)
	require.NoError(t, err)
	require.NoError(t, client.Connect(context.Background()))
	defer client.Disconnect()

	assert.True(t, client.IsConnected())
}

func TestClientRejectsBadPassword(t *testing.T) {
	server := newTestSSHServer(t)
	config := server.clientConfig()
	config.Password = "wrong"

	client, err := NewClient(config)
	require.NoError(t, err)

	err = client.Connect(context.Background())
	require.Error(t, err)
	var terr *TransportError
	require.True(t, errors.As(err, &terr))
	assert.True(t, terr.IsAuthError)
	assert.False(t, client.IsConnected())
}

func TestParseLocation(t *testing.T) {
	tests := []struct {
		location string
		host     string
		port     int
		path     string
		wantErr  bool
	}{
		{location: "sftp://lims.example.com/opt/gls/files/results.csv", host: "lims.example.com", path: "/opt/gls/files/results.csv"},
		{location: "sftp://lims.example.com:2222/files/a.txt", host: "lims.example.com", port: 2222, path: "/files/a.txt"},
		{location: "https://lims.example.com/files/a.txt", wantErr: true},
		{location: "sftp://lims.example.com", wantErr: true},
		{location: "sftp:///files/a.txt", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.location, func(t *testing.T) {
			host, port, path, err := ParseLocation(tt.location)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.host, host)
			assert.Equal(t, tt.port, port)
			assert.Equal(t, tt.path, path)
		})
	}
}

// location addresses the test server, which ParseLocation reads back.
func location(server *testSSHServer, remotePath string) string {
	return "sftp://" + server.addr + remotePath
}

func newTestStore(t *testing.T, server *testSSHServer) *FileStore {
	t.Helper()
	store := NewFileStore(func(string) *Config { return server.clientConfig() })
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestFileStoreRoundTrip(t *testing.T) {
	server := newTestSSHServer(t)
	store := newTestStore(t, server)
	ctx := context.Background()
	loc := location(server, "/files/24-1/results.csv")
	content := "well,conc\nA:1,1.5\nB:1,2.25\n"

	n, err := store.Upload(ctx, loc, strings.NewReader(content), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), n)

	info, err := store.Stat(ctx, loc)
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), info.Size())

	rc, err := store.Open(ctx, loc)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, content, string(data))

	var buf bytes.Buffer
	_, err = store.Download(ctx, loc, &buf)
	require.NoError(t, err)
	assert.Equal(t, content, buf.String())

	sum, err := store.Checksum(ctx, loc)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("%x", sha256.Sum256([]byte(content))), sum)
}

func TestFileStoreReusesConnection(t *testing.T) {
	server := newTestSSHServer(t)
	calls := 0
	store := NewFileStore(func(string) *Config {
		calls++
		return server.clientConfig()
	})
	defer store.Close()
	ctx := context.Background()

	_, err := store.Upload(ctx, location(server, "/a.txt"), strings.NewReader("a"), 0)
	require.NoError(t, err)
	_, err = store.Stat(ctx, location(server, "/a.txt"))
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestFileStoreOpenMissing(t *testing.T) {
	server := newTestSSHServer(t)
	store := newTestStore(t, server)

	_, err := store.Open(context.Background(), location(server, "/files/absent.csv"))
	require.Error(t, err)
	var terr *TransportError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, "open", terr.Op)
}

func TestFileStoreHonoursContext(t *testing.T) {
	server := newTestSSHServer(t)
	store := newTestStore(t, server)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.Upload(ctx, location(server, "/files/x.csv"), strings.NewReader("x"), 0)
	assert.Error(t, err)
}

const sftpFileDoc = `<file:file xmlns:file="http://genologics.com/ri/file" uri="{root}/files/40-1" limsid="40-1">
  <attached-to>{root}/artifacts/92-5</attached-to>
  <content-location>%s</content-location>
  <original-location>results.csv</original-location>
</file:file>`

func TestFileStoreServesSessionDownloads(t *testing.T) {
	server := newTestSSHServer(t)
	store := newTestStore(t, server)
	ctx := context.Background()
	loc := location(server, "/opt/gls/clarity/files/40-1/results.csv")

	_, err := store.Upload(ctx, loc, strings.NewReader("from the file store"), 0)
	require.NoError(t, err)

	lims := claritytest.NewServer(t)
	lims.Doc("files/40-1", fmt.Sprintf(sftpFileDoc, loc))
	s := lims.Session(t, func(o *clarity.Options) { o.ContentOpener = store })

	f, err := s.Files.Fetch(ctx, lims.URI("files/40-1"))
	require.NoError(t, err)
	data, err := f.Data(ctx)
	require.NoError(t, err)
	assert.Equal(t, "from the file store", string(data))
	assert.Zero(t, lims.Count("GET", "files/40-1/download"))
}

func TestTunnelForwardsSessionRequests(t *testing.T) {
	server := newTestSSHServer(t)
	lims := claritytest.NewServer(t)
	lims.Doc("configuration/properties", `<prop:properties xmlns:prop="http://genologics.com/ri/property">
  <property name="api.version" value="v2"/>
</prop:properties>`)

	_, limsPort, err := net.SplitHostPort(lims.Listener.Addr().String())
	require.NoError(t, err)

	var hosts []string
	tunneler := NewTunneler(func(host string) *Config {
		hosts = append(hosts, host)
		config := server.clientConfig()
		fmt.Sscanf(limsPort, "%d", &config.TunnelPort)
		return config
	})
	defer tunneler.Close()

	s, err := clarity.NewSession(clarity.Options{
		RootURI:  "http://lims-dev:ssh" + claritytest.APIPath,
		Username: "apiuser",
		Password: "secret",
		Tunneler: tunneler,
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)

	props, err := s.Properties(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "v2", props["api.version"])
	assert.Equal(t, []string{"lims-dev"}, hosts)
	assert.Equal(t, 1, lims.Count("GET", "configuration/properties"))

	addr, err := tunneler.Tunnel(context.Background(), "lims-dev")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(addr, "127.0.0.1:"))
	assert.Len(t, hosts, 1, "the tunnel is opened once per host")
}
