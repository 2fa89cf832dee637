package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sourcegraph/jsonrpc2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alucardeht/mcp-spawner/internal/catalog"
	"github.com/alucardeht/mcp-spawner/internal/gate"
	"github.com/alucardeht/mcp-spawner/internal/launcher"
	"github.com/alucardeht/mcp-spawner/internal/orchestrator"
	"github.com/alucardeht/mcp-spawner/internal/pathguard"
	"github.com/alucardeht/mcp-spawner/internal/testutil/childproc"
)

func TestMain(m *testing.M) {
	childproc.Main(m)
}

type fixture struct {
	root   string
	socket string
	store  *catalog.Store
	client *Client
	daemon *Daemon
}

// shortTempDir keeps unix socket paths below the platform length limit.
func shortTempDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "spw")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func startDaemon(t *testing.T, withStore bool) *fixture {
	t.Helper()

	f := &fixture{root: t.TempDir()}
	base := shortTempDir(t)
	f.socket = filepath.Join(base, "d.sock")

	validator := pathguard.New(f.root, ".py")
	orch, err := orchestrator.New(orchestrator.Options{
		Validator: validator,
		Launcher: launcher.NewExecLauncher(launcher.Config{
			Interpreter:    childproc.Interpreter(),
			Dir:            f.root,
			EnvPassthrough: childproc.Passthrough(),
		}),
		Gate:             gate.New(1),
		HandshakeTimeout: 5 * time.Second,
		CallTimeout:      5 * time.Second,
		Grace:            time.Second,
	})
	require.NoError(t, err)

	scanner := catalog.NewScanner(validator, nil)
	if withStore {
		f.store, err = catalog.OpenStore(filepath.Join(base, "catalog.db"))
		require.NoError(t, err)
		t.Cleanup(func() { f.store.Close() })
	}

	f.daemon = New(Config{SocketPath: f.socket, DataDir: base}, NewServer(orch, scanner, f.store))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- f.daemon.Run(ctx) }()

	select {
	case <-f.daemon.Ready():
	case err := <-errCh:
		cancel()
		t.Fatalf("daemon failed to start: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("daemon did not become ready")
	}

	f.client, err = Dial(context.Background(), f.socket)
	require.NoError(t, err)

	t.Cleanup(func() {
		f.client.Close()
		cancel()
		select {
		case err := <-errCh:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("daemon did not stop")
		}
	})
	return f
}

func TestHealth(t *testing.T) {
	f := startDaemon(t, false)

	health, err := f.client.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", health.Status)
	assert.True(t, health.RootExists)
	assert.Equal(t, 1, health.Gate.Permits)
	assert.GreaterOrEqual(t, health.UptimeMS, int64(0))
}

func TestToolsCallRoundTrip(t *testing.T) {
	f := startDaemon(t, false)
	childproc.WriteScript(t, f.root, "calculator.py", childproc.ModeCalculator)

	res, err := f.client.Call(context.Background(), "calculator.py", "add", map[string]any{"a": 10, "b": 20})
	require.NoError(t, err)
	assert.JSONEq(t, `30`, string(res.Payload))

	res, err = f.client.Call(context.Background(), "calculator.py", "text", nil)
	require.NoError(t, err)
	assert.Equal(t, "hello world", res.Text)
}

func TestErrorsKeepTheirKind(t *testing.T) {
	f := startDaemon(t, false)
	childproc.WriteScript(t, f.root, "calculator.py", childproc.ModeCalculator)

	_, err := f.client.Call(context.Background(), "../../etc/passwd", "add", nil)
	assert.ErrorIs(t, err, orchestrator.ErrInvalidPath)

	_, err = f.client.Call(context.Background(), "calculator.py", "divide", map[string]any{"a": 1, "b": 0})
	require.ErrorIs(t, err, orchestrator.ErrToolReportedError)
	var oe *orchestrator.Error
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, "division by zero", oe.Message)

	var rpcErr *jsonrpc2.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, CodeToolReportedError, rpcErr.Code)

	_, err = f.client.GetTool(context.Background(), "calculator.py", "multiply")
	assert.ErrorIs(t, err, orchestrator.ErrToolNotFound)
}

func TestToolsListCachesInCatalog(t *testing.T) {
	f := startDaemon(t, true)
	childproc.WriteScript(t, f.root, "calculator.py", childproc.ModeCalculator)

	entries, err := catalog.NewScanner(pathguard.New(f.root, ".py"), nil).Scan()
	require.NoError(t, err)
	_, err = f.store.Sync(entries)
	require.NoError(t, err)

	servers, err := f.client.ListServers(context.Background())
	require.NoError(t, err)
	require.Len(t, servers.Servers, 1)
	assert.Nil(t, servers.Servers[0].Tools)

	tools, err := f.client.ListTools(context.Background(), "calculator.py")
	require.NoError(t, err)
	assert.Len(t, tools, 5)

	servers, err = f.client.ListServers(context.Background())
	require.NoError(t, err)
	require.Len(t, servers.Servers, 1)
	assert.Len(t, servers.Servers[0].Tools, 5)

	tool, err := f.client.GetTool(context.Background(), "calculator.py", "divide")
	require.NoError(t, err)
	assert.Equal(t, "Divide a by b", tool.Description)
}

func TestServersListWithoutStoreScans(t *testing.T) {
	f := startDaemon(t, false)
	childproc.WriteScript(t, f.root, "b.py", childproc.ModeCalculator)
	childproc.WriteScript(t, f.root, "a.py", childproc.ModeCalculator)

	servers, err := f.client.ListServers(context.Background())
	require.NoError(t, err)
	require.Len(t, servers.Servers, 2)
	assert.Equal(t, "a.py", servers.Servers[0].Name)
}

func TestConcurrentClientsShareTheGate(t *testing.T) {
	f := startDaemon(t, false)
	childproc.WriteScript(t, f.root, "calculator.py", childproc.ModeCalculator)

	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.client.Call(context.Background(), "calculator.py", "sleep", map[string]any{"ms": 200})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.GreaterOrEqual(t, time.Since(start), 400*time.Millisecond, "calls ran in parallel")
}

func TestUnknownMethodAndBadParams(t *testing.T) {
	f := startDaemon(t, false)

	err := f.client.call(context.Background(), "tools/delete", nil, nil)
	var rpcErr *jsonrpc2.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, int64(jsonrpc2.CodeMethodNotFound), rpcErr.Code)

	err = f.client.call(context.Background(), MethodToolsCall, []int{1, 2}, nil)
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, int64(jsonrpc2.CodeInvalidParams), rpcErr.Code)
}

func TestInternalErrorsHideTheirCause(t *testing.T) {
	f := startDaemon(t, true)
	require.NoError(t, f.store.Close())

	_, err := f.client.ListServers(context.Background())
	var rpcErr *jsonrpc2.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, int64(jsonrpc2.CodeInternalError), rpcErr.Code)
	assert.Equal(t, "internal error", rpcErr.Message)

	cause := fmt.Errorf("scan scripts: open %s: permission denied", f.root)
	wire := toRPCError(cause)
	assert.Equal(t, int64(jsonrpc2.CodeInternalError), wire.Code)
	assert.NotContains(t, wire.Message, f.root)
}

func TestSecondDaemonIsRejected(t *testing.T) {
	f := startDaemon(t, false)

	second := New(Config{SocketPath: f.socket, DataDir: filepath.Dir(f.socket)}, nil)
	err := second.Run(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	// The running daemon is unaffected.
	_, err = f.client.Health(context.Background())
	assert.NoError(t, err)
}

func TestPIDFile(t *testing.T) {
	p := NewPIDFile(filepath.Join(t.TempDir(), "d.pid"))

	pid, err := p.Read()
	require.NoError(t, err)
	assert.Zero(t, pid)
	assert.False(t, p.IsProcessAlive())

	require.NoError(t, p.Write())
	pid, err = p.Read()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
	assert.True(t, p.IsProcessAlive())

	require.NoError(t, p.Remove())
	require.NoError(t, p.Remove())
}

func TestLockFileExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "d.lock")
	a := NewLockFile(path)
	require.NoError(t, a.Acquire())
	assert.True(t, a.IsLocked())

	b := NewLockFile(path)
	assert.ErrorIs(t, b.Acquire(), ErrLockHeld)

	require.NoError(t, a.Release())
	require.NoError(t, b.Acquire())
	require.NoError(t, b.Release())
}
