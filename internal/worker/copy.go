package worker

import (
	"errors"
	"io/fs"
	"net/url"
	"os"

	ftps "ftpsworker"
)

// copy moves a file between the server and the local filesystem. Exactly one
// side must be a local file:// URL; everything else is for the host's
// generic copy machinery.
func (w *Worker) copy(src, dest string, permissions int, flags ftps.JobFlags) error {
	srcURL, err := url.Parse(src)
	if err != nil {
		return ftps.NewError(ftps.ErrInternal, src)
	}
	destURL, err := url.Parse(dest)
	if err != nil {
		return ftps.NewError(ftps.ErrInternal, dest)
	}

	srcLocal := isLocalURL(srcURL)
	destLocal := isLocalURL(destURL)
	switch {
	case srcLocal && !destLocal:
		return w.copyPut(srcURL.Path, destURL.Path, permissions, flags)
	case !srcLocal && destLocal:
		return w.copyGet(srcURL.Path, destURL.Path, permissions, flags)
	default:
		return ftps.NewError(ftps.ErrUnsupportedAction, "copy")
	}
}

func isLocalURL(u *url.URL) bool {
	return u.Scheme == "file" || u.Scheme == ""
}

// copyPut uploads a local file. The engine reads straight from the file, so
// resuming seeks instead of re-streaming through the host.
func (w *Worker) copyPut(localPath, remotePath string, permissions int, flags ftps.JobFlags) error {
	fi, err := os.Stat(localPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ftps.NewError(ftps.ErrDoesNotExist, localPath)
		}
		return ftps.NewError(ftps.ErrCannotOpenForReading, localPath)
	}
	if fi.IsDir() {
		return ftps.NewError(ftps.ErrIsDirectory, localPath)
	}

	f, err := os.Open(localPath)
	if err != nil {
		return ftps.NewError(ftps.ErrCannotOpenForReading, localPath)
	}
	defer f.Close()

	w.events.TotalSize(fi.Size())
	return w.engine.Put(remotePath, f, permissions, flags)
}

// copyGet downloads into a local file, with the same .part discipline the
// engine applies on the remote side of put.
func (w *Worker) copyGet(remotePath, localPath string, permissions int, flags ftps.JobFlags) error {
	if fi, err := os.Stat(localPath); err == nil {
		if fi.IsDir() {
			return ftps.NewError(ftps.ErrIsDirectory, localPath)
		}
		if flags&(ftps.Overwrite|ftps.Resume) == 0 {
			return ftps.NewError(ftps.ErrFileAlreadyExist, localPath)
		}
	}

	markPartial := w.cfg.MarkPartial
	partPath := localPath + ".part"

	dest := localPath
	if markPartial {
		dest = partPath
	}

	var offset int64
	openFlags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if fi, err := os.Stat(dest); err == nil && fi.Size() > 0 {
		if flags&ftps.Resume != 0 || (markPartial && w.events.CanResumeAt(fi.Size())) {
			offset = fi.Size()
			openFlags = os.O_WRONLY | os.O_APPEND
		}
	}

	f, err := os.OpenFile(dest, openFlags, 0644)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return ftps.NewError(ftps.ErrWriteAccessDenied, localPath)
		}
		return ftps.NewError(ftps.ErrCannotOpenForWriting, localPath)
	}

	getErr := w.engine.Get(remotePath, baseName(remotePath), f, offset)
	closeErr := f.Close()

	if getErr != nil {
		if markPartial {
			// a stub too small to resume from is not worth keeping
			if fi, err := os.Stat(partPath); err == nil && fi.Size() < w.cfg.MinimumKeepSize {
				os.Remove(partPath)
			}
		}
		return getErr
	}
	if closeErr != nil {
		return ftps.NewError(ftps.ErrCouldNotWrite, localPath)
	}

	if markPartial {
		if err := os.Rename(partPath, localPath); err != nil {
			return ftps.NewError(ftps.ErrCannotRenamePartial, localPath)
		}
	}

	if permissions != -1 {
		// best effort, same as the remote side
		os.Chmod(localPath, fs.FileMode(permissions&0o777))
	}
	return nil
}
