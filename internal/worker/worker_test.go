package worker

import (
	"errors"
	"io"
	"net"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ftps "ftpsworker"
	"ftpsworker/internal/config"
	"ftpsworker/internal/hostchan"
	"ftpsworker/internal/logger"
	"ftpsworker/internal/metrics"
)

// stubEngine scripts the protocol engine for dispatcher tests.
type stubEngine struct {
	mu    sync.Mutex
	calls []string

	statEntry   ftps.Entry
	statErr     error
	listEntries []ftps.Entry
	redirect    string
	getData     []byte
	getErr      error
	getOffset   int64
	putPath     string
	putData     []byte
	putFlags    ftps.JobFlags

	host        string
	user        string
	port        int
	loggedOn    bool
	initialPath string
	meta        ftps.Metadata
}

func (s *stubEngine) record(call string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
}

func (s *stubEngine) SetHost(host string, port int, user, pass string) {
	s.record("setHost")
	s.host, s.port, s.user = host, port, user
}

func (s *stubEngine) SetMetadata(meta ftps.Metadata) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta = meta
}

func (s *stubEngine) OpenConnection() error { s.record("open"); s.loggedOn = true; return nil }
func (s *stubEngine) CloseConnection()      { s.record("close"); s.loggedOn = false }

func (s *stubEngine) Stat(path string) (ftps.Entry, error) {
	s.record("stat " + path)
	return s.statEntry, s.statErr
}

func (s *stubEngine) ListDir(path string, fn func(ftps.Entry)) (string, error) {
	s.record("listDir " + path)
	for _, e := range s.listEntries {
		fn(e)
	}
	return s.redirect, nil
}

func (s *stubEngine) MkDir(path string, permissions int) error { s.record("mkdir " + path); return nil }

func (s *stubEngine) Rename(src, dst string, flags ftps.JobFlags) error {
	s.record("rename " + src + " " + dst)
	return nil
}

func (s *stubEngine) Delete(path string, isFile bool) error { s.record("del " + path); return nil }

func (s *stubEngine) Chmod(path string, permissions int) error { s.record("chmod " + path); return nil }

func (s *stubEngine) Get(path, fileName string, w io.Writer, offset int64) error {
	s.record("get " + path)
	s.mu.Lock()
	s.getOffset = offset
	s.mu.Unlock()
	if s.getErr != nil {
		return s.getErr
	}
	if w != nil {
		w.Write(s.getData)
	}
	return nil
}

func (s *stubEngine) Put(path string, src io.Reader, permissions int, flags ftps.JobFlags) error {
	s.record("put " + path)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putPath = path
	s.putFlags = flags
	if src != nil {
		data, _ := io.ReadAll(src)
		s.putData = data
	}
	return nil
}

func (s *stubEngine) Host() string        { return s.host }
func (s *stubEngine) User() string        { return s.user }
func (s *stubEngine) Port() int           { return s.port }
func (s *stubEngine) LoggedOn() bool      { return s.loggedOn }
func (s *stubEngine) InitialPath() string { return s.initialPath }

func (s *stubEngine) metadata() ftps.Metadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta
}

// upcallLog collects the worker's one-way upcalls.
type upcallLog struct {
	mu   sync.Mutex
	msgs []hostchan.Message
}

func (l *upcallLog) add(msg hostchan.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.msgs = append(l.msgs, msg)
}

func (l *upcallLog) byType(typ string) []hostchan.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []hostchan.Message
	for _, m := range l.msgs {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

// newTestWorker runs a worker over an in-process host channel and returns
// the host's side of it.
func newTestWorker(t *testing.T, engine Engine) (*hostchan.Conn, *upcallLog) {
	t.Helper()

	hostSide, workerSide := net.Pipe()
	host := hostchan.NewConn(hostSide)
	app := hostchan.NewConn(workerSide)

	upcalls := &upcallLog{}
	go host.Serve(upcalls.add)

	w := New("ftp", engine, app, ftps.NopEvents{}, config.Default(), metrics.New(),
		logger.New(io.Discard, "error", "text"))
	go w.Run()

	t.Cleanup(func() {
		host.Close()
		app.Close()
	})
	return host, upcalls
}

func TestSlaveStatus(t *testing.T) {
	engine := &stubEngine{host: "ftp.example.org", user: "joe", loggedOn: true}
	host, _ := newTestWorker(t, engine)

	reply, err := host.Ask("slaveStatus", nil)
	require.NoError(t, err)
	require.Equal(t, "finished", reply.Type)

	var status statusReply
	require.NoError(t, reply.Decode(&status))
	assert.Equal(t, "ftp", status.Scheme)
	assert.Equal(t, "ftp.example.org", status.Host)
	assert.Equal(t, "joe", status.User)
	assert.True(t, status.Connected)
}

func TestStatEmitsEntry(t *testing.T) {
	engine := &stubEngine{statEntry: ftps.Entry{Name: "readme", Size: 42}}
	host, upcalls := newTestWorker(t, engine)

	reply, err := host.Ask("stat", pathArgs{Path: "/pub/readme"})
	require.NoError(t, err)
	require.Equal(t, "finished", reply.Type)

	entries := upcalls.byType("statEntry")
	require.Len(t, entries, 1)
	var args entryArgs
	require.NoError(t, entries[0].Decode(&args))
	assert.Equal(t, "readme", args.Entry.Name)
	assert.EqualValues(t, 42, args.Entry.Size)
}

func TestStatErrorReply(t *testing.T) {
	engine := &stubEngine{statErr: ftps.NewError(ftps.ErrDoesNotExist, "/pub/gone")}
	host, _ := newTestWorker(t, engine)

	reply, err := host.Ask("stat", pathArgs{Path: "/pub/gone"})
	require.NoError(t, err)
	require.Equal(t, "error", reply.Type)

	var args errorArgs
	require.NoError(t, reply.Decode(&args))
	assert.Equal(t, "ERR_DOES_NOT_EXIST", args.Code)
	assert.Equal(t, "/pub/gone", args.Text)
}

func TestListDirStreamsEntries(t *testing.T) {
	engine := &stubEngine{listEntries: []ftps.Entry{{Name: "a"}, {Name: "b"}}}
	host, upcalls := newTestWorker(t, engine)

	reply, err := host.Ask("listDir", pathArgs{Path: "/pub"})
	require.NoError(t, err)
	require.Equal(t, "finished", reply.Type)
	assert.Len(t, upcalls.byType("listEntry"), 2)
}

func TestListDirRedirect(t *testing.T) {
	engine := &stubEngine{host: "ftp.example.org", port: 2121, user: "joe", redirect: "/home/joe"}
	host, upcalls := newTestWorker(t, engine)

	reply, err := host.Ask("listDir", pathArgs{Path: ""})
	require.NoError(t, err)
	require.Equal(t, "finished", reply.Type)

	redirects := upcalls.byType("redirection")
	require.Len(t, redirects, 1)
	var args textArgs
	require.NoError(t, redirects[0].Decode(&args))
	assert.Equal(t, "ftp://joe@ftp.example.org:2121/home/joe", args.Text)
}

func TestMetadataApplied(t *testing.T) {
	engine := &stubEngine{}
	host, _ := newTestWorker(t, engine)

	_, err := host.Ask("stat", pathArgs{
		Path:     "/pub/x",
		Metadata: map[string]string{"statSide": "source", "resume": "100"},
	})
	require.NoError(t, err)

	meta := engine.metadata()
	assert.Equal(t, "source", meta.StatSide)
	assert.EqualValues(t, 100, meta.Resume)
	assert.Equal(t, 2, meta.Details, "details defaults to a full answer")
}

func TestUnknownOperation(t *testing.T) {
	host, _ := newTestWorker(t, &stubEngine{})

	reply, err := host.Ask("selfDestruct", nil)
	require.NoError(t, err)
	require.Equal(t, "error", reply.Type)

	var args errorArgs
	require.NoError(t, reply.Decode(&args))
	assert.Equal(t, "ERR_UNSUPPORTED_ACTION", args.Code)
}

func TestPutForwardsFlags(t *testing.T) {
	engine := &stubEngine{}
	host, _ := newTestWorker(t, engine)

	perms := 0644
	reply, err := host.Ask("put", pathArgs{
		Path:        "/up/file",
		Permissions: &perms,
		Flags:       int(ftps.Overwrite),
	})
	require.NoError(t, err)
	require.Equal(t, "finished", reply.Type)
	assert.Equal(t, "/up/file", engine.putPath)
	assert.Equal(t, ftps.Overwrite, engine.putFlags)
}

// pullEngine uploads by pulling chunks through the event sink, the way the
// real engine feeds Put when no local source is given.
type pullEngine struct {
	stubEngine
	events ftps.Events
}

func (p *pullEngine) Put(path string, src io.Reader, permissions int, flags ftps.JobFlags) error {
	p.record("put " + path)
	for {
		chunk, err := p.events.DataRequest()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		p.mu.Lock()
		p.putData = append(p.putData, chunk...)
		p.mu.Unlock()
	}
}

func (p *pullEngine) uploaded() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.putData...)
}

func TestPutPullsChunksThroughBridge(t *testing.T) {
	hostSide, workerSide := net.Pipe()
	host := hostchan.NewConn(hostSide)
	app := hostchan.NewConn(workerSide)
	t.Cleanup(func() {
		host.Close()
		app.Close()
	})

	m := metrics.New()
	log := logger.New(io.Discard, "error", "text")
	bridge := NewBridge(app, m, log)
	engine := &pullEngine{events: bridge}

	var mu sync.Mutex
	chunks := [][]byte{[]byte("first "), []byte("second"), nil}
	go host.Serve(func(msg hostchan.Message) {
		if msg.Type != "dataReq" {
			return
		}
		mu.Lock()
		chunk := chunks[0]
		chunks = chunks[1:]
		mu.Unlock()
		host.Reply(msg.ID, "data", dataArgs{Data: chunk})
	})

	w := New("ftp", engine, app, bridge, config.Default(), m, log)
	go w.Run()

	// the put itself answers the dataReq upcalls it triggers
	reply, err := host.Ask("put", pathArgs{Path: "/up/file"})
	require.NoError(t, err)
	require.Equal(t, "finished", reply.Type)
	assert.Equal(t, "first second", string(engine.uploaded()))
	assert.Equal(t, 12.0, testutil.ToFloat64(m.BytesTransferred.WithLabelValues("up")))
}
