// Package worker dispatches host-channel operations onto the FTPS protocol
// engine and implements the local-file fast paths of copy.
package worker

import (
	"errors"
	"io"
	"log/slog"
	"net/url"
	"strconv"

	ftps "ftpsworker"
	"ftpsworker/internal/config"
	"ftpsworker/internal/hostchan"
	"ftpsworker/internal/metrics"
)

// Engine is the slice of the protocol engine the dispatcher drives.
// *ftps.Client implements it.
type Engine interface {
	SetHost(host string, port int, user, pass string)
	SetMetadata(meta ftps.Metadata)
	OpenConnection() error
	CloseConnection()
	Stat(path string) (ftps.Entry, error)
	ListDir(path string, fn func(ftps.Entry)) (redirect string, err error)
	MkDir(path string, permissions int) error
	Rename(src, dst string, flags ftps.JobFlags) error
	Delete(path string, isFile bool) error
	Chmod(path string, permissions int) error
	Get(path, fileName string, w io.Writer, offset int64) error
	Put(path string, src io.Reader, permissions int, flags ftps.JobFlags) error
	Host() string
	User() string
	Port() int
	LoggedOn() bool
	InitialPath() string
}

// Worker runs the operation loop of one ftpsworker process. Operations
// arrive on the app channel and run one at a time.
type Worker struct {
	scheme  string
	engine  Engine
	app     *hostchan.Conn
	events  ftps.Events
	cfg     *config.Config
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New assembles a Worker. scheme is the URL scheme the worker was spawned
// for ("ftp" or "ftps"), used when composing redirection URLs. events is the
// same sink the engine was built with; the copy fast paths emit progress
// through it directly.
func New(scheme string, engine Engine, app *hostchan.Conn, events ftps.Events, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) *Worker {
	return &Worker{
		scheme:  scheme,
		engine:  engine,
		app:     app,
		events:  events,
		cfg:     cfg,
		metrics: m,
		logger:  logger,
	}
}

// Run serves operations until the app channel closes.
func (w *Worker) Run() error {
	defer w.engine.CloseConnection()
	return w.app.Serve(w.dispatch)
}

type hostArgs struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	User string `json:"user,omitempty"`
	Pass string `json:"pass,omitempty"`
}

type pathArgs struct {
	Path        string            `json:"path"`
	IsFile      bool              `json:"isFile,omitempty"`
	Permissions *int              `json:"permissions,omitempty"`
	Flags       int               `json:"flags,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type twoPathArgs struct {
	Src         string            `json:"src"`
	Dest        string            `json:"dest"`
	Permissions *int              `json:"permissions,omitempty"`
	Flags       int               `json:"flags,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type entryArgs struct {
	Entry ftps.Entry `json:"entry"`
}

type statusReply struct {
	Scheme    string `json:"scheme"`
	Host      string `json:"host"`
	User      string `json:"user,omitempty"`
	Connected bool   `json:"connected"`
}

type errorArgs struct {
	Code string `json:"code"`
	Text string `json:"text,omitempty"`
}

func (w *Worker) dispatch(msg hostchan.Message) {
	w.logger.Debug("dispatch", "op", msg.Type, "id", msg.ID)

	result, err := w.handle(msg)

	status := "ok"
	if err != nil {
		status = "error"
	}
	w.metrics.OperationsTotal.WithLabelValues(msg.Type, status).Inc()

	if err != nil {
		w.logger.Warn("operation failed", "op", msg.Type, "err", err)
		w.app.Reply(msg.ID, "error", errorPayload(err))
		return
	}
	w.app.Reply(msg.ID, "finished", result)
}

func (w *Worker) handle(msg hostchan.Message) (any, error) {
	switch msg.Type {
	case "setHost":
		var args hostArgs
		if err := msg.Decode(&args); err != nil {
			return nil, err
		}
		w.engine.SetHost(args.Host, args.Port, args.User, args.Pass)
		return nil, nil

	case "connect":
		return nil, w.engine.OpenConnection()

	case "disconnect":
		w.engine.CloseConnection()
		return nil, nil

	case "stat":
		var args pathArgs
		if err := msg.Decode(&args); err != nil {
			return nil, err
		}
		if err := w.applyMetadata(args.Metadata); err != nil {
			return nil, err
		}
		entry, err := w.engine.Stat(args.Path)
		if err != nil {
			return nil, err
		}
		w.app.Notify("statEntry", entryArgs{Entry: entry})
		return nil, nil

	case "listDir":
		var args pathArgs
		if err := msg.Decode(&args); err != nil {
			return nil, err
		}
		if err := w.applyMetadata(args.Metadata); err != nil {
			return nil, err
		}
		redirect, err := w.engine.ListDir(args.Path, func(e ftps.Entry) {
			w.app.Notify("listEntry", entryArgs{Entry: e})
		})
		if err != nil {
			return nil, err
		}
		if redirect != "" {
			w.app.Notify("redirection", textArgs{Text: w.redirectURL(redirect)})
		}
		return nil, nil

	case "mkdir":
		var args pathArgs
		if err := msg.Decode(&args); err != nil {
			return nil, err
		}
		return nil, w.engine.MkDir(args.Path, permissions(args.Permissions))

	case "rename":
		var args twoPathArgs
		if err := msg.Decode(&args); err != nil {
			return nil, err
		}
		return nil, w.engine.Rename(args.Src, args.Dest, ftps.JobFlags(args.Flags))

	case "del":
		var args pathArgs
		if err := msg.Decode(&args); err != nil {
			return nil, err
		}
		return nil, w.engine.Delete(args.Path, args.IsFile)

	case "chmod":
		var args pathArgs
		if err := msg.Decode(&args); err != nil {
			return nil, err
		}
		return nil, w.engine.Chmod(args.Path, permissions(args.Permissions))

	case "get":
		var args pathArgs
		if err := msg.Decode(&args); err != nil {
			return nil, err
		}
		if err := w.applyMetadata(args.Metadata); err != nil {
			return nil, err
		}
		return nil, w.engine.Get(args.Path, baseName(args.Path), nil, 0)

	case "put":
		var args pathArgs
		if err := msg.Decode(&args); err != nil {
			return nil, err
		}
		if err := w.applyMetadata(args.Metadata); err != nil {
			return nil, err
		}
		return nil, w.engine.Put(args.Path, nil, permissions(args.Permissions), ftps.JobFlags(args.Flags))

	case "copy":
		var args twoPathArgs
		if err := msg.Decode(&args); err != nil {
			return nil, err
		}
		if err := w.applyMetadata(args.Metadata); err != nil {
			return nil, err
		}
		return nil, w.copy(args.Src, args.Dest, permissions(args.Permissions), ftps.JobFlags(args.Flags))

	case "slaveStatus":
		return statusReply{
			Scheme:    w.scheme,
			Host:      w.engine.Host(),
			User:      w.engine.User(),
			Connected: w.engine.LoggedOn(),
		}, nil

	default:
		return nil, ftps.NewError(ftps.ErrUnsupportedAction, msg.Type)
	}
}

// applyMetadata decodes and installs the per-request hints.
func (w *Worker) applyMetadata(meta map[string]string) error {
	parsed, err := config.ParseMetadata(meta)
	if err != nil {
		return err
	}
	w.engine.SetMetadata(parsed)
	return nil
}

// redirectURL composes the URL of the server's initial directory, the answer
// to listing an empty path. The password never travels back to the host; it
// already has it.
func (w *Worker) redirectURL(path string) string {
	u := url.URL{Scheme: w.scheme, Host: w.engine.Host(), Path: path}
	if port := w.engine.Port(); port > 0 && port != 21 {
		u.Host = u.Host + ":" + strconv.Itoa(port)
	}
	if user := w.engine.User(); user != "" {
		u.User = url.User(user)
	}
	return u.String()
}

func errorPayload(err error) errorArgs {
	var fe *ftps.Error
	if errors.As(err, &fe) {
		return errorArgs{Code: fe.Code.String(), Text: fe.Text}
	}
	return errorArgs{Code: ftps.ErrInternal.String(), Text: err.Error()}
}

func permissions(p *int) int {
	if p == nil {
		return -1
	}
	return *p
}

func baseName(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}
