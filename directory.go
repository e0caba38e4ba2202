package ftps

import (
	"bufio"
	"io/fs"
	"strings"
	"time"
)

// Entry is one item of a directory listing.
type Entry struct {
	Name string

	// Type holds the file type bits only (fs.ModeDir and friends); a
	// plain file has Type 0. Symlinks stay typed as files, LinkTarget
	// says what they point at.
	Type fs.FileMode

	// Access holds the permission bits, including setuid/setgid/sticky.
	Access fs.FileMode

	Owner string
	Group string
	Size  int64
	MTime time.Time

	LinkTarget string
}

var listMonths = [12]string{
	"Jan", "Feb", "Mar", "Apr", "May", "Jun",
	"Jul", "Aug", "Sep", "Oct", "Nov", "Dec",
}

// lineScanner tokenizes a listing line the way strtok does: runs of spaces
// separate tokens, and exactly one delimiter is consumed after each token
// so rest() sees any extra padding in front of the file name.
type lineScanner struct {
	s   string
	pos int
}

func (sc *lineScanner) next() (string, bool) {
	for sc.pos < len(sc.s) && sc.s[sc.pos] == ' ' {
		sc.pos++
	}
	if sc.pos >= len(sc.s) {
		return "", false
	}
	start := sc.pos
	for sc.pos < len(sc.s) && sc.s[sc.pos] != ' ' {
		sc.pos++
	}
	token := sc.s[start:sc.pos]
	if sc.pos < len(sc.s) {
		sc.pos++
	}
	return token, true
}

func (sc *lineScanner) rest() string {
	return sc.s[sc.pos:]
}

// parseDecimal reads a leading decimal number, ignoring whatever follows.
func parseDecimal(s string) int64 {
	i := 0
	for i < len(s) && (s[i] == ' ' || s[i] == '\t') {
		i++
	}
	neg := false
	if i < len(s) && (s[i] == '+' || s[i] == '-') {
		neg = s[i] == '-'
		i++
	}
	var n int64
	for ; i < len(s) && s[i] >= '0' && s[i] <= '9'; i++ {
		n = n*10 + int64(s[i]-'0')
	}
	if neg {
		return -n
	}
	return n
}

// parseListLine parses one line of LIST output. now supplies the clock used
// to resolve listings with an implicit year.
//
// Normally a line looks like
//
//	-rw-r--r--   1 dfaure   dfaure        102 Nov  9 12:30 log
//
// but Netware servers produce
//
//	d [RWCEAFMS] Admin                     512 Oct 13  2004 PSI
//
// and /dev-style listings carry "1,   5" device numbers where the size
// normally sits. Lines that do not fit are reported as not ok and skipped.
func parseListLine(line string, now time.Time) (Entry, bool) {
	sc := &lineScanner{s: line}

	// the leading five fields: access, link count, owner, group, size
	access, ok := sc.next()
	if !ok {
		return Entry{}, false
	}
	junk, ok := sc.next()
	if !ok {
		return Entry{}, false
	}
	owner, ok := sc.next()
	if !ok {
		return Entry{}, false
	}
	group, ok := sc.next()
	if !ok {
		return Entry{}, false
	}
	size, ok := sc.next()
	if !ok {
		return Entry{}, false
	}

	var entry Entry
	if len(access) == 1 && junk[0] == '[' {
		// Netware. The rights are unknown, so grant everything.
		entry.Access = 0777
	}

	// Device listings put "major,   minor" where the size sits; the part
	// before the comma is dropped and the next token is the real size.
	if strings.Contains(size, ",") {
		if size, ok = sc.next(); !ok {
			return Entry{}, false
		}
	}

	// The size token may actually be a month, which happens when the
	// server lists no group. Shift everything over by one.
	var date1 string
	if size == "" || size[0] < '0' || size[0] > '9' {
		date1 = size
		size = group
		group = ""
	} else {
		if date1, ok = sc.next(); !ok {
			return Entry{}, false
		}
	}

	date2, ok := sc.next()
	if !ok {
		return Entry{}, false
	}
	date3, ok := sc.next()
	if !ok {
		return Entry{}, false
	}
	name := sc.rest()
	if name == "" {
		return Entry{}, false
	}

	if access[0] == 'l' {
		if i := strings.LastIndex(name, " -> "); i != -1 {
			entry.LinkTarget = name[i+4:]
			name = name[:i]
		}
	}

	// some servers prefix every name with '/'
	name = strings.TrimPrefix(name, "/")
	if strings.Contains(name, "/") {
		return Entry{}, false // don't trick us
	}
	// Some sites put more than one space between the date and the name.
	entry.Name = strings.TrimSpace(name)

	switch access[0] {
	case 'd':
		entry.Type = fs.ModeDir
	case 's':
		entry.Type = fs.ModeSocket
	case 'b':
		entry.Type = fs.ModeDevice
	case 'c':
		entry.Type = fs.ModeDevice | fs.ModeCharDevice
	case 'l':
		// stays a file, LinkTarget says it is a link
	}

	if len(access) >= 10 {
		if access[1] == 'r' {
			entry.Access |= 0400
		}
		if access[2] == 'w' {
			entry.Access |= 0200
		}
		if access[3] == 'x' || access[3] == 's' {
			entry.Access |= 0100
		}
		if access[4] == 'r' {
			entry.Access |= 0040
		}
		if access[5] == 'w' {
			entry.Access |= 0020
		}
		if access[6] == 'x' || access[6] == 's' {
			entry.Access |= 0010
		}
		if access[7] == 'r' {
			entry.Access |= 0004
		}
		if access[8] == 'w' {
			entry.Access |= 0002
		}
		if access[9] == 'x' || access[9] == 't' {
			entry.Access |= 0001
		}
		if access[3] == 's' || access[3] == 'S' {
			entry.Access |= fs.ModeSetuid
		}
		if access[6] == 's' || access[6] == 'S' {
			entry.Access |= fs.ModeSetgid
		}
		if access[9] == 't' || access[9] == 'T' {
			entry.Access |= fs.ModeSticky
		}
	}

	entry.Owner = owner
	entry.Group = group
	entry.Size = parseDecimal(size)

	// The date is either "Oct  6 22:49" or "May 13  1999". All FTP
	// servers seem to use the English month names regardless of locale.
	year := now.Year()
	currentMonth := int(now.Month()) - 1
	month := currentMonth
	day := int(parseDecimal(date2))
	hour, minute := 0, 0

	for i, m := range listMonths {
		if date1 == m {
			month = i
			break
		}
	}

	if len(date3) == 4 {
		year = int(parseDecimal(date3))
	} else {
		// The year is implicit: listings switch to it only for files
		// older than six months. A month in the future means last year;
		// the +1 absorbs the "one hour into the future" case that ls
		// allows at month boundaries.
		if month > currentMonth+1 {
			year--
		}
		if colon := strings.IndexByte(date3, ':'); colon != -1 {
			hour = int(parseDecimal(date3[:colon]))
			minute = int(parseDecimal(date3[colon+1:]))
		}
	}
	entry.MTime = time.Date(year, time.Month(month+1), day, hour, minute, 0, 0, time.UTC)

	return entry, true
}

// readEntries drains the data connection line by line, handing every line
// that parses as a listing entry to fn.
func (c *Client) readEntries(fn func(Entry)) {
	if c.data == nil {
		return
	}
	reader := bufio.NewReader(c.data)
	now := time.Now().UTC()
	for {
		raw, err := reader.ReadString('\n')
		line := strings.TrimRight(raw, "\r\n")
		if line != "" {
			c.logger.Debug("dir > " + line)
			if entry, ok := parseListLine(line, now); ok {
				fn(entry)
			}
		}
		if err != nil {
			return
		}
	}
}
