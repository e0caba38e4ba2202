package ftps

import "strings"

// readControlReply reads the next reply from the control channel into
// c.last. On a read error c.last is zeroed so reply checks fail closed.
func (c *Client) readControlReply() (Reply, error) {
	reply, err := readReply(c.reader, func(line string) {
		c.logger.Debug("    > " + line)
	})
	if err != nil {
		c.last = Reply{}
		return Reply{}, err
	}
	c.last = reply
	c.logger.Debug("resp> " + reply.Text)
	return reply, nil
}

// protocolError builds a worker error wrapping the exchange behind it, so
// errors.As can recover the command and reply that failed.
func (c *Client) protocolError(code Code, text, cmd string) *Error {
	return &Error{Code: code, Text: text, Cause: &ProtocolError{
		Command:   cmd,
		Response:  c.last.Text,
		ReplyCode: c.last.Code,
	}}
}

// sendCmd sends one command and reads its reply into c.last, allowing a
// single transparent reconnect when the server dropped the session.
func (c *Client) sendCmd(cmd string) error {
	return c.sendCmdRetry(cmd, 1)
}

// sendCmdRetry is sendCmd with an explicit retry budget. A missing reply or
// a 421 means the server closed on us: before login the connection is
// re-opened without logging in and the command reissued, but failure is
// still reported so the login loop can prompt again; after login the whole
// session is re-established and the command reissued against the budget.
func (c *Client) sendCmdRetry(cmd string, maxRetries int) error {
	if c.control == nil {
		return newError(ErrConnectionBroken, c.host)
	}

	// A stray CR or LF would smuggle a second command onto the wire.
	if strings.ContainsAny(cmd, "\r\n") {
		c.logger.Warn("invalid command received (contains CR or LF)", "cmd", cmd)
		return newError(ErrUnsupportedAction, c.host)
	}

	isPassCmd := len(cmd) >= 4 && strings.EqualFold(cmd[:4], "pass")
	if isPassCmd {
		c.logger.Debug("send> pass [protected]")
	} else {
		c.logger.Debug("send> " + cmd)
	}

	if _, err := c.control.Write([]byte(cmd + "\r\n")); err != nil {
		c.last = Reply{}
	} else {
		c.readControlReply()
	}

	if c.last.Type > 0 && c.last.Code != 421 {
		return nil
	}

	if !c.loggedOn {
		// Mid-login drop. Reconnect and reissue once, unless the password
		// already went out, but report failure either way: the caller
		// decides whether to start over.
		if maxRetries > 0 && !isPassCmd {
			c.CloseConnection()
			if c.openConnection(loginDeferred) == nil {
				c.sendCmdRetry(cmd, maxRetries-1)
			}
		}
		return newError(ErrConnectionBroken, c.host)
	}

	if maxRetries < 1 {
		return newError(ErrConnectionBroken, c.host)
	}

	c.logger.Debug("lost contact, re-establishing connection", "host", c.host)
	c.CloseConnection()
	err := c.openConnection(loginExplicit)
	if !c.loggedOn {
		if c.control != nil {
			c.logger.Debug("login failure, aborting")
			c.CloseConnection()
			return newError(ErrCouldNotLogin, c.host)
		}
		if err == nil {
			err = newError(ErrConnectionBroken, c.host)
		}
		return err
	}

	c.logger.Debug("logged back in, re-issuing command")
	return c.sendCmdRetry(cmd, maxRetries-1)
}
