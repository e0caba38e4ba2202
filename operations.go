package ftps

import (
	"io/fs"
	gopath "path"
	"strings"
)

// Host returns the host configured with SetHost, empty when none was set.
func (c *Client) Host() string { return c.host }

// User returns the configured user name, empty for anonymous sessions.
func (c *Client) User() string { return c.user }

// Port returns the configured control port, 0 meaning the default.
func (c *Client) Port() int { return c.port }

// LoggedOn reports whether a session is currently established.
func (c *Client) LoggedOn() bool { return c.loggedOn }

// Stat describes a single path. The metadata hints steer it: Details 0
// answers with the bare file/directory distinction, and StatSide "source"
// makes a failed lookup report a plain file instead of an error, because
// some servers refuse LIST on paths they happily serve with RETR.
func (c *Client) Stat(path string) (Entry, error) {
	c.logger.Debug("stat", "path", path)
	if err := c.openConnection(loginImplicit); err != nil {
		return Entry{}, err
	}

	path = cleanPath(path)
	c.logger.Debug("stat: cleaned path", "path", path)

	// We can't stat root, but we know it's a dir.
	if path == "" || path == "/" {
		return Entry{
			Name:   ".",
			Type:   fs.ModeDir,
			Access: 0555,
			Owner:  "root",
			Group:  "root",
		}, nil
	}

	filename := gopath.Base(path)

	// cwd into it: if that works it is a directory (and symlinks got
	// followed); if not, it is a file or missing.
	isDir := c.folder(path) == nil

	details := c.meta.Details
	c.logger.Debug("stat", "details", details)
	if details == 0 {
		if !isDir && !c.sizeOf(path, 'I') {
			return c.statNotFound(path, filename)
		}
		return shortStatEntry(filename, isDir), nil
	}

	if isDir {
		// Don't list the parent dir. Too slow, might not show it, etc.
		// Just report that it is a directory.
		return Entry{Name: filename, Type: fs.ModeDir, Access: 0555}, nil
	}

	// A file (or nothing): list just the name from the parent directory,
	// that avoids transferring the whole listing.
	parentDir := gopath.Dir(path)
	if err := c.folder(parentDir); err != nil {
		return Entry{}, err
	}
	if err := c.openCommand("list", filename, 'I', ErrDoesNotExist, 0); err != nil {
		c.logger.Error("could not list")
		return Entry{}, err
	}
	c.logger.Debug("starting of list was ok")

	found := false
	var result Entry
	c.readEntries(func(e Entry) {
		// Some servers answer "list /full/path/to/file" with just the
		// base name, so the base name is what we match.
		if !found && e.Name == filename {
			found = true
			result = e
			result.Name = filename
		}
	})
	c.closeCommand()

	if !found {
		return c.statNotFound(path, filename)
	}

	// A link that resolves back to the path it was reached through can
	// never be followed.
	if result.LinkTarget != "" {
		target := result.LinkTarget
		if !strings.HasPrefix(target, "/") {
			target = gopath.Join(parentDir, target)
		}
		if cleanPath(target) == path {
			return Entry{}, newError(ErrCyclicLink, path)
		}
	}

	c.logger.Debug("stat: finished successfully")
	return result, nil
}

func (c *Client) statNotFound(path, filename string) (Entry, error) {
	// Only lie when the host wants to download an existing file. For an
	// upload target, stat must still answer "not found" truthfully.
	if c.meta.StatSide == "source" {
		c.logger.Debug("not found, but assuming found, because some servers don't allow listing")
		return shortStatEntry(filename, false), nil
	}
	return Entry{}, newError(ErrDoesNotExist, path)
}

func shortStatEntry(filename string, isDir bool) Entry {
	entry := Entry{Name: filename, Access: 0555}
	if isDir {
		entry.Type = fs.ModeDir
	}
	// no details about size, ownership, group, etc.
	return entry
}

// ListDir lists a directory, invoking fn once per entry. An empty path
// means the server's initial directory; no entries are produced then and
// the returned redirect names the path the host should list instead.
func (c *Client) ListDir(path string, fn func(Entry)) (redirect string, err error) {
	c.logger.Debug("listDir", "path", path)
	if err := c.openConnection(loginImplicit); err != nil {
		return "", err
	}

	if path == "" {
		if c.initialPath == "" {
			c.initialPath = "/"
		}
		c.logger.Debug("redirection", "path", c.initialPath)
		return c.initialPath, nil
	}

	c.logger.Debug("hunting for path", "path", path)

	if err := c.openDir(path); err != nil {
		if c.sizeOf(path, 'I') {
			return "", newError(ErrIsFile, path)
		}
		return "", newError(ErrCannotEnterDirectory, path)
	}

	c.readEntries(func(e Entry) {
		if e.Name != "" {
			fn(e)
		}
	})
	c.closeCommand()
	return "", nil
}

// openDir changes into path, both to make sure it really is a directory
// and to follow symlinks, then lists without an argument. "list -la" goes
// first so dot files show up; `-a` alone would drop the implied `-l`, and
// some Windows servers cannot cope with arguments at all, so plain "list"
// is the fallback.
func (c *Client) openDir(path string) error {
	if path == "" {
		path = "/"
	}
	if err := c.folder(path); err != nil {
		return err
	}

	if err := c.openCommand("list -la", "", 'I', ErrCannotEnterDirectory, 0); err != nil {
		if err := c.openCommand("list", "", 'I', ErrCannotEnterDirectory, 0); err != nil {
			c.logger.Warn("can't open for listing")
			return err
		}
	}
	c.logger.Debug("starting of list was ok")
	return nil
}

// MkDir creates a directory and applies permissions to it unless they are
// -1. Creating an existing directory reports ErrDirAlreadyExist.
func (c *Client) MkDir(path string, permissions int) error {
	if err := c.openConnection(loginImplicit); err != nil {
		return err
	}

	if err := c.sendCmd("mkd " + path); err != nil || c.last.Type != 2 {
		currentPath := c.currentPath

		// Did mkdir fail because the directory already exists?
		if c.folder(path) == nil {
			c.folder(currentPath)
			return newError(ErrDirAlreadyExist, path)
		}
		return newError(ErrCouldNotMkdir, path)
	}

	if permissions != -1 {
		// chmod the dir we just created, ignoring errors
		c.chmod(path, permissions)
	}
	return nil
}

// Rename moves src to dst.
//
// TODO: honor Overwrite; today an existing destination is clobbered or
// refused at the server's discretion.
func (c *Client) Rename(src, dst string, flags JobFlags) error {
	if err := c.openConnection(loginImplicit); err != nil {
		return err
	}
	if !c.rename(src, dst) {
		return newError(ErrCannotRename, src)
	}
	return nil
}

// Delete removes a file, or a directory when isFile is false. Before
// removing a directory the session leaves it: the previous command probably
// went into it to stat it, and servers refuse to remove the working
// directory.
func (c *Client) Delete(path string, isFile bool) error {
	if err := c.openConnection(loginImplicit); err != nil {
		return err
	}

	cmd := "DELE "
	if !isFile {
		c.folder(gopath.Dir(path)) // ignore errors
		cmd = "RMD "
	}

	if err := c.sendCmd(cmd + path); err != nil || c.last.Type != 2 {
		return newError(ErrCannotDelete, path)
	}
	return nil
}

// Chmod changes the permissions of path via SITE CHMOD.
func (c *Client) Chmod(path string, permissions int) error {
	if err := c.openConnection(loginImplicit); err != nil {
		return err
	}
	if !c.chmod(path, permissions) {
		return newError(ErrCannotChmod, path)
	}
	return nil
}

// cleanPath normalizes a slash path without turning "" into ".".
func cleanPath(path string) string {
	if path == "" {
		return ""
	}
	return gopath.Clean(path)
}
