package ftps

import "io"

// AuthInfo describes a credential prompt sent to the host process.
type AuthInfo struct {
	Host         string
	Port         int
	Username     string
	Password     string
	Prompt       string
	CommentLabel string
	Comment      string
	ReadOnly     bool
	KeepPassword bool
}

// Events receives upcalls from the protocol engine while an operation runs.
// The worker dispatcher implements this over the host channel; tests plug in
// lightweight fakes. All methods are called from the engine goroutine.
type Events interface {
	// Connected reports that a session reached the Ready state.
	Connected()

	// InfoMessage carries a transient status line for the user.
	InfoMessage(msg string)

	// MimeType reports the sniffed content type, once per download.
	MimeType(mime string)

	// TotalSize reports the expected transfer size, after MimeType.
	TotalSize(size int64)

	// ProcessedSize reports cumulative transferred bytes.
	ProcessedSize(size int64)

	// CanResume confirms that a requested download offset was honored.
	CanResume()

	// CanResumeAt asks whether an upload may resume on top of an existing
	// partial of the given size.
	CanResumeAt(size int64) bool

	// Data hands a downloaded chunk to the host. An empty chunk marks the
	// end of the stream.
	Data(chunk []byte) error

	// DataRequest pulls the next upload chunk from the host. An empty
	// chunk (or io.EOF) marks the end of the stream.
	DataRequest() ([]byte, error)

	// WarnContinueCancel shows a warning dialog; true means continue.
	WarnContinueCancel(text, title string) bool

	// OpenPasswordDialog asks the host for credentials; false on cancel.
	// On success info.Username and info.Password carry the new values.
	OpenPasswordDialog(info *AuthInfo, errMsg string) bool

	// CacheAuth stores credentials that logged in successfully.
	CacheAuth(info AuthInfo)
}

// NopEvents discards every upcall and refuses every prompt. It is the
// default when no Events sink is configured.
type NopEvents struct{}

func (NopEvents) Connected()                  {}
func (NopEvents) InfoMessage(string)          {}
func (NopEvents) MimeType(string)             {}
func (NopEvents) TotalSize(int64)             {}
func (NopEvents) ProcessedSize(int64)         {}
func (NopEvents) CanResume()                  {}
func (NopEvents) CanResumeAt(int64) bool      { return false }
func (NopEvents) Data([]byte) error           { return nil }
func (NopEvents) DataRequest() ([]byte, error) { return nil, io.EOF }
func (NopEvents) WarnContinueCancel(string, string) bool { return false }
func (NopEvents) OpenPasswordDialog(*AuthInfo, string) bool { return false }
func (NopEvents) CacheAuth(AuthInfo)          {}
