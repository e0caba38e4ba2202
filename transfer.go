package ftps

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	gopath "path"
	"strings"
)

// Chunk sizing for streaming transfers. Transfers start small so slow links
// produce steady progress, and grow once 64KiB went through. The content
// sniffer wants about a kilobyte before the first chunk goes out.
const (
	initialBlockSize = 2 * 1024
	maxBlockSize     = 32 * 1024
	minimumMimeSize  = 1024
)

// JobFlags modify how a transfer treats existing destination files.
type JobFlags int

const (
	Overwrite JobFlags = 1 << iota
	Resume
)

// switchDataMode selects the transfer type: 'A' or 'a' for ASCII, 'I' for
// binary, '?' for ASCII only when the session is in text mode. The command
// is skipped if the mode is already current.
//
// Today the difference between ASCII and binary is limited to line
// terminators, and many servers ignore ASCII outright.
func (c *Client) switchDataMode(mode byte) bool {
	switch {
	case mode == '?':
		if c.textMode {
			mode = 'A'
		} else {
			mode = 'I'
		}
	case mode == 'a':
		mode = 'A'
	case mode != 'A':
		mode = 'I'
	}

	c.logger.Debug("data mode", "want", string(mode), "has", string(c.dataMode))
	if c.dataMode == mode {
		return true
	}
	if err := c.sendCmd("TYPE " + string(mode)); err != nil || c.last.Type != 2 {
		return false
	}
	c.dataMode = mode
	return true
}

// folder changes the server working directory, skipping the round trip when
// it is already current. A refused cwd comes back as ErrCannotEnterDirectory;
// the server answers 550 whether the path is a file or does not exist at all.
func (c *Client) folder(path string) error {
	newPath := path
	if len(newPath) > 1 && strings.HasSuffix(newPath, "/") {
		newPath = newPath[:len(newPath)-1]
	}
	if c.currentPath == newPath {
		return nil
	}

	if err := c.sendCmd("cwd " + newPath); err != nil {
		return err // connection failure
	}
	if c.last.Type != 2 {
		return c.protocolError(ErrCannotEnterDirectory, path, "cwd "+newPath)
	}
	c.currentPath = newPath
	return nil
}

// sizeOf asks for the file size with SIZE, leaving the result in c.size.
// The size depends on the transfer mode, hence the mode argument.
func (c *Client) sizeOf(path string, mode byte) bool {
	c.size = UnknownSize
	if !c.switchDataMode(mode) {
		return false
	}
	if err := c.sendCmd("SIZE " + path); err != nil || c.last.Type != 2 {
		return false
	}
	c.size = parseDecimal(c.last.Tail(4))
	return true
}

// openCommand prepares a transfer: switch the type, open a data connection,
// send REST when resuming, then issue the transfer command and wait for its
// preliminary reply. The TLS handshake on the data socket runs only after
// that reply, since many servers attach the socket no earlier. errCode is
// what a refusal of the command itself turns into.
func (c *Client) openCommand(command, path string, mode byte, errCode Code, offset int64) error {
	if !c.switchDataMode(mode) {
		return newError(ErrCouldNotConnect, c.host)
	}
	if code := c.openDataConnection(); code != 0 {
		return newError(code, c.host)
	}
	useDataEnc := !c.protClear

	if offset > 0 {
		// REST applies to the retr or stor that follows
		if err := c.sendCmd(fmt.Sprintf("rest %d", offset)); err != nil {
			return err
		}
		if c.last.Type != 3 {
			return c.protocolError(ErrCannotResume, path, "rest")
		}
	}

	cmd := command
	if path != "" {
		cmd += " " + path
	}
	if err := c.sendCmd(cmd); err != nil || c.last.Type != 1 {
		if offset > 0 && command == "retr" && c.last.Type == 4 {
			errCode = ErrCannotResume
		}
		return c.protocolError(errCode, path, cmd)
	}

	// only now do we know for sure that we can resume
	if offset > 0 && command == "retr" {
		c.events.CanResume()
	}

	c.busy = true // cleared in closeCommand

	if useDataEnc {
		if code := c.encryptDataChannel(); code != 0 {
			return newError(code, "TLS Negotiation failed on the data channel.")
		}
	}
	return nil
}

// closeCommand drops the data connection and collects the final reply of
// the command started by openCommand, usually a 226. Safe to call when no
// transfer is open.
func (c *Client) closeCommand() bool {
	c.closeDataConnection()
	if !c.busy {
		return true
	}

	c.logger.Debug("closeCommand: reading command result")
	c.busy = false

	if _, err := c.readControlReply(); err != nil || c.last.Type != 2 {
		c.logger.Debug("closeCommand: no transfer complete message")
		return false
	}
	return true
}

// Get downloads path. Chunks stream through the Data upcall, or into w when
// w is non-nil (the local-file fast path of copy). fileName feeds content
// type detection and is usually the base name of path.
func (c *Client) Get(path, fileName string, w io.Writer, offset int64) error {
	c.logger.Debug("get", "path", path)
	err := c.get(path, fileName, w, offset)
	c.closeCommand()
	return err
}

func (c *Client) get(path, fileName string, w io.Writer, offset int64) error {
	if err := c.openConnection(loginImplicit); err != nil {
		return err
	}

	// SIZE doubles as an existence probe. On a 550 ("no such file" or
	// "not a plain file") a successful cwd tells us it is a directory.
	if !c.sizeOf(path, '?') && c.last.Code == 550 && c.folder(path) == nil {
		c.logger.Debug("get: it is a directory in fact")
		return newError(ErrIsDirectory, path)
	}

	if c.meta.Resume > 0 {
		offset = c.meta.Resume
		c.logger.Debug("get: got offset from metadata", "offset", offset)
	}

	if err := c.openCommand("retr", path, '?', ErrCannotOpenForReading, offset); err != nil {
		c.logger.Warn("get: can't open for reading")
		return err
	}

	// Some servers put the size in the reply, `150 Opening ... (1024 bytes)`.
	if c.size == UnknownSize {
		tail := c.last.Tail(4)
		if i := strings.LastIndexByte(tail, '('); i != -1 {
			c.size = parseDecimal(tail[i+1:])
		}
		if c.size == 0 {
			c.size = UnknownSize
		}
	}

	var bytesLeft int64
	if c.size != UnknownSize {
		bytesLeft = c.size - offset
	}

	c.logger.Debug("get: starting", "offset", offset)
	processed := offset

	buffer := make([]byte, maxBlockSize)
	blockSize := initialBlockSize
	bufferCur := 0
	mimeTypeEmitted := false

	for c.size == UnknownSize || bytesLeft > 0 {
		if processed-offset > 64*1024 {
			blockSize = maxBlockSize
		}
		if blockSize+bufferCur > len(buffer) {
			blockSize = len(buffer) - bufferCur
		}

		n, _ := c.data.Read(buffer[bufferCur : bufferCur+blockSize])
		if n <= 0 {
			// this is how EOF shows up when the size is unknown
			if c.size == UnknownSize {
				break
			}
			// unexpected EOF, happens when the server dies mid-transfer
			return newError(ErrCouldNotRead, path)
		}
		processed += int64(n)

		// collect small chunks before processing, the type sniffer wants
		// a reasonable amount of data to look at
		if c.size != UnknownSize {
			bytesLeft -= int64(n)
			bufferCur += n
			if bufferCur < minimumMimeSize && bytesLeft > 0 {
				c.events.ProcessedSize(processed)
				continue
			}
			n = bufferCur
			bufferCur = 0
		}

		if !mimeTypeEmitted {
			mimeTypeEmitted = true
			mimeType := detectMimeType(fileName, buffer[:n])
			c.logger.Debug("get: emitting mimetype", "mime", mimeType)
			c.events.MimeType(mimeType)
			// total size goes out after the type, in that order
			if c.size != UnknownSize {
				c.events.TotalSize(c.size)
			}
		}

		if w == nil {
			if err := c.events.Data(buffer[:n]); err != nil {
				return err
			}
		} else if _, err := w.Write(buffer[:n]); err != nil {
			return newError(ErrCouldNotWrite, path)
		}
		c.events.ProcessedSize(processed)
	}

	c.logger.Debug("get: done")
	if w == nil {
		// the empty chunk tells the data pump the stream ended
		c.events.Data(nil)
	}
	if c.size == UnknownSize {
		c.events.ProcessedSize(processed)
	} else {
		c.events.ProcessedSize(c.size)
	}
	return nil
}

// Put uploads to path. With a nil src the chunks are pulled through the
// DataRequest upcall; otherwise src supplies them (the local-file fast path
// of copy). permissions of -1 leaves the server default alone.
func (c *Client) Put(path string, src io.Reader, permissions int, flags JobFlags) error {
	c.logger.Debug("put", "path", path)
	err := c.put(path, src, permissions, flags)
	c.closeCommand()
	return err
}

func (c *Client) put(path string, src io.Reader, permissions int, flags JobFlags) error {
	if err := c.openConnection(loginImplicit); err != nil {
		return err
	}

	// No partial marking over anonymous FTP: incoming directories often
	// allow stor but not rename.
	markPartial := false
	if c.user != "" && c.user != anonymousUser {
		markPartial = c.settings.MarkPartial
	}

	destOrig := path
	destPart := destOrig + ".part"

	if c.sizeOf(destOrig, 'I') {
		if c.size == 0 {
			// leftover zero-size files are simply deleted
			if err := c.sendCmd("DELE " + destOrig); err != nil || c.last.Type != 2 {
				return newError(ErrCannotDeletePartial, path)
			}
		} else if flags&(Overwrite|Resume) == 0 {
			return newError(ErrFileAlreadyExist, path)
		} else if markPartial {
			if !c.rename(destOrig, destPart) {
				return newError(ErrCannotRenamePartial, path)
			}
		}
		// don't chmod a file that already existed
		permissions = -1
	} else if markPartial && c.sizeOf(destPart, 'I') {
		// a .part file exists from an earlier attempt
		if c.size == 0 {
			if err := c.sendCmd("DELE " + destPart); err != nil || c.last.Type != 2 {
				return newError(ErrCannotDeletePartial, path)
			}
		} else if flags&(Overwrite|Resume) == 0 {
			if c.events.CanResumeAt(c.size) {
				flags |= Resume
			} else {
				return newError(ErrFileAlreadyExist, path)
			}
		}
	} else {
		c.size = 0
	}

	dest := destOrig
	if markPartial {
		c.logger.Debug("adding .part extension", "path", destOrig)
		dest = destPart
	}

	var offset int64
	if flags&Resume != 0 && c.size > 0 {
		offset = c.size
		if src != nil {
			seeker, ok := src.(io.Seeker)
			if !ok {
				return newError(ErrCannotResume, path)
			}
			if _, err := seeker.Seek(offset, io.SeekStart); err != nil {
				return newError(ErrCannotResume, path)
			}
		}
	}

	if err := c.openCommand("stor", dest, '?', ErrCouldNotWrite, offset); err != nil {
		return err
	}

	c.logger.Debug("put: starting", "offset", offset)
	processed := offset

	buffer := make([]byte, maxBlockSize)
	blockSize := initialBlockSize

	var transferErr error
	for {
		var chunk []byte
		if src == nil {
			data, err := c.events.DataRequest()
			if err != nil && !errors.Is(err, io.EOF) {
				transferErr = newError(ErrCouldNotWrite, path)
				break
			}
			chunk = data
		} else {
			if processed-offset > 64*1024 {
				blockSize = maxBlockSize
			}
			n, err := src.Read(buffer[:blockSize])
			chunk = buffer[:n]
			if n == 0 && err != nil && !errors.Is(err, io.EOF) {
				transferErr = newError(ErrCouldNotWrite, path)
				break
			}
		}

		if len(chunk) == 0 {
			break // end of stream
		}
		if _, err := c.data.Write(chunk); err != nil {
			transferErr = newError(ErrCouldNotWrite, path)
			break
		}
		processed += int64(len(chunk))
		c.events.ProcessedSize(processed)
	}

	if transferErr != nil {
		c.closeCommand() // don't care about errors here
		c.logger.Debug("error during put, aborting")
		if markPartial {
			// remove the partial if it is too small to bother keeping
			if c.sizeOf(dest, 'I') && processed < c.settings.MinimumKeepSize {
				c.sendCmd("DELE " + dest)
			}
		}
		return transferErr
	}

	if !c.closeCommand() {
		return newError(ErrCouldNotWrite, path)
	}

	// the upload is complete, move the partial onto its real name
	if markPartial {
		c.logger.Debug("renaming partial", "from", dest, "to", destOrig)
		if !c.rename(dest, destOrig) {
			return newError(ErrCannotRenamePartial, path)
		}
	}

	if permissions != -1 {
		if c.user == anonymousUser {
			c.logger.Debug("trying to chmod over anonymous FTP?")
		}
		// best effort, plenty of servers cannot chmod at all
		c.chmod(destOrig, permissions)
	}
	return nil
}

// rename runs RNFR/RNTO from inside the source directory.
func (c *Client) rename(src, dst string) bool {
	pos := strings.LastIndex(src, "/")
	if c.folder(src[:pos+1]) != nil {
		return false
	}
	if err := c.sendCmd("RNFR " + src[pos+1:]); err != nil || c.last.Type != 3 {
		return false
	}
	if err := c.sendCmd("RNTO " + dst); err != nil || c.last.Type != 2 {
		return false
	}
	return true
}

// chmod issues SITE CHMOD. A 500 turns the capability off for the rest of
// the session.
func (c *Client) chmod(path string, permissions int) bool {
	if c.caps&capChmodUnknown != 0 {
		return false
	}

	// mask to the permission bits in case a full mode slipped through
	cmd := fmt.Sprintf("SITE CHMOD %o %s", permissions&0o777, path)
	if err := c.sendCmd(cmd); err == nil && c.last.Type == 2 {
		return true
	}
	if c.last.Code == 500 {
		c.caps |= capChmodUnknown
		c.logger.Debug("chmod not supported - disabling")
	}
	return false
}

// detectMimeType guesses a content type from the file name first and the
// opening bytes of the content second.
func detectMimeType(fileName string, data []byte) string {
	if ext := gopath.Ext(fileName); ext != "" {
		if byName := mime.TypeByExtension(ext); byName != "" {
			if i := strings.IndexByte(byName, ';'); i != -1 {
				byName = strings.TrimSpace(byName[:i])
			}
			return byName
		}
	}
	return http.DetectContentType(data)
}
