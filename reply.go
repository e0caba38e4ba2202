package ftps

import (
	"bufio"
	"strings"
)

// Reply is one complete reply read from the control connection.
//
// For multi-line replies only the terminator line is retained: the code and
// text of "226-Transfer starting\r\n226 Done\r\n" are 226 and "226 Done".
type Reply struct {
	// Code is the three-digit reply code of the terminator line, or 0 when
	// the reply carried no digits at all.
	Code int

	// Type is Code/100 (2 = success, 3 = intermediate, 4/5 = failure).
	Type int

	// Text is the full terminator line with CR/LF stripped.
	Text string
}

// Tail returns the reply text with the first n bytes skipped, typically
// used to step over the "NNN " prefix.
func (r Reply) Tail(n int) string {
	if n >= len(r.Text) {
		return ""
	}
	return r.Text[n:]
}

// leadingCode parses the decimal digits a line starts with, 0 if none.
func leadingCode(line string) int {
	code := 0
	for i := 0; i < len(line) && line[i] >= '0' && line[i] <= '9'; i++ {
		code = code*10 + int(line[i]-'0')
	}
	return code
}

// readReply assembles the next reply from the control stream.
//
// A single-line reply is "NNN text". A multi-line reply opens with
// "NNN-text" and ends with a "NNN text" terminator carrying the same code.
// Some servers (OpenBSD ftpd) follow the opening line with continuation
// lines that begin with a space; those are consumed and ignored. Only the
// terminator line is kept.
func readReply(r *bufio.Reader, debug func(line string)) (Reply, error) {
	var reply Reply
	more := 0

	for {
		raw, err := r.ReadString('\n')
		if err != nil {
			return Reply{}, err
		}
		line := strings.TrimRight(raw, "\r\n")
		code := leadingCode(line)
		if code > 0 {
			reply.Code = code
		}
		reply.Text = line

		switch {
		case more != 0 && strings.HasPrefix(line, " "):
			// continuation inside a multi-line reply, ignored
		case len(line) < 4 || code < 100:
			more = 0
		case more == 0 && line[3] == '-':
			more = code
		case more != 0 && (more != code || line[3] != '-'):
			more = 0
		}

		if more == 0 {
			break
		}
		if debug != nil {
			debug(line)
		}
	}

	if reply.Code > 0 {
		reply.Type = reply.Code / 100
	}
	return reply, nil
}
