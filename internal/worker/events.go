package worker

import (
	"io"
	"log/slog"

	ftps "ftpsworker"
	"ftpsworker/internal/hostchan"
	"ftpsworker/internal/metrics"
)

// Bridge forwards the engine's upcalls over the host channel. Upcalls that
// need an answer block until the host replies; the engine is single-threaded
// so there is at most one outstanding question.
type Bridge struct {
	app     *hostchan.Conn
	metrics *metrics.Metrics
	logger  *slog.Logger

	wasConnected bool
}

// NewBridge wires the engine's event sink to the app channel.
func NewBridge(app *hostchan.Conn, m *metrics.Metrics, logger *slog.Logger) *Bridge {
	return &Bridge{app: app, metrics: m, logger: logger}
}

type textArgs struct {
	Text string `json:"text"`
}

type sizeArgs struct {
	Size int64 `json:"size"`
}

type dataArgs struct {
	Data []byte `json:"data,omitempty"`
}

type messageBoxArgs struct {
	MessageType string `json:"messageType"`
	Text        string `json:"text"`
	Title       string `json:"title"`
}

type messageBoxReply struct {
	Result string `json:"result"`
}

type passwordDialogArgs struct {
	Info     ftps.AuthInfo `json:"info"`
	ErrorMsg string        `json:"errorMsg,omitempty"`
}

type passwordDialogReply struct {
	Accepted     bool   `json:"accepted"`
	Username     string `json:"username"`
	Password     string `json:"password"`
	KeepPassword bool   `json:"keepPassword"`
}

type resumeReply struct {
	Resume bool `json:"resume"`
}

func (b *Bridge) Connected() {
	if b.wasConnected {
		b.metrics.ReconnectsTotal.Inc()
	}
	b.wasConnected = true
	b.app.Notify("connected", nil)
}

func (b *Bridge) InfoMessage(text string) {
	b.app.Notify("infoMessage", textArgs{Text: text})
}

func (b *Bridge) MimeType(mimeType string) {
	b.app.Notify("mimeType", textArgs{Text: mimeType})
}

func (b *Bridge) TotalSize(size int64) {
	b.app.Notify("totalSize", sizeArgs{Size: size})
}

func (b *Bridge) ProcessedSize(size int64) {
	b.app.Notify("processedSize", sizeArgs{Size: size})
}

func (b *Bridge) CanResume() {
	b.app.Notify("canResume", sizeArgs{})
}

// CanResumeAt asks the host whether to resume an upload on top of an
// existing partial file of the given size.
func (b *Bridge) CanResumeAt(size int64) bool {
	reply, err := b.app.Ask("canResume", sizeArgs{Size: size})
	if err != nil {
		return false
	}
	var answer resumeReply
	if err := reply.Decode(&answer); err != nil {
		return false
	}
	return answer.Resume
}

// Data ships a downloaded chunk to the host. The terminating empty chunk
// goes out too, it tells the host the stream ended.
func (b *Bridge) Data(chunk []byte) error {
	b.metrics.BytesTransferred.WithLabelValues("down").Add(float64(len(chunk)))
	return b.app.Notify("data", dataArgs{Data: chunk})
}

// DataRequest pulls the next upload chunk from the host. An empty chunk
// means end of stream.
func (b *Bridge) DataRequest() ([]byte, error) {
	reply, err := b.app.Ask("dataReq", nil)
	if err != nil {
		return nil, err
	}
	var answer dataArgs
	if err := reply.Decode(&answer); err != nil {
		return nil, err
	}
	if len(answer.Data) == 0 {
		return nil, io.EOF
	}
	b.metrics.BytesTransferred.WithLabelValues("up").Add(float64(len(answer.Data)))
	return answer.Data, nil
}

// WarnContinueCancel shows a warning the user can get past, the TLS
// certificate prompt mostly.
func (b *Bridge) WarnContinueCancel(text, title string) bool {
	reply, err := b.app.Ask("messageBox", messageBoxArgs{
		MessageType: "WarningContinueCancel",
		Text:        text,
		Title:       title,
	})
	if err != nil {
		return false
	}
	var answer messageBoxReply
	if err := reply.Decode(&answer); err != nil {
		return false
	}
	return answer.Result == "continue"
}

// OpenPasswordDialog asks the host for credentials, filling info in place
// when the user confirms.
func (b *Bridge) OpenPasswordDialog(info *ftps.AuthInfo, errorMsg string) bool {
	reply, err := b.app.Ask("openPasswordDialog", passwordDialogArgs{
		Info:     *info,
		ErrorMsg: errorMsg,
	})
	if err != nil {
		return false
	}
	var answer passwordDialogReply
	if err := reply.Decode(&answer); err != nil || !answer.Accepted {
		return false
	}
	info.Username = answer.Username
	info.Password = answer.Password
	info.KeepPassword = answer.KeepPassword
	return true
}

func (b *Bridge) CacheAuth(info ftps.AuthInfo) {
	b.logger.Debug("caching credentials", "user", info.Username, "host", info.Host)
	b.app.Notify("cacheAuth", passwordDialogArgs{Info: info})
}
