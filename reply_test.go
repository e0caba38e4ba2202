package ftps

import (
	"bufio"
	"strings"
	"testing"
)

func TestReadReply(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		input    string
		wantCode int
		wantType int
		wantText string
	}{
		{
			name:     "single line",
			input:    "220 Welcome\r\n",
			wantCode: 220,
			wantType: 2,
			wantText: "220 Welcome",
		},
		{
			name:     "error reply",
			input:    "550 File not found\r\n",
			wantCode: 550,
			wantType: 5,
			wantText: "550 File not found",
		},
		{
			name:     "multiline keeps terminator only",
			input:    "230-Welcome\r\n230-Have fun\r\n230 Login successful\r\n",
			wantCode: 230,
			wantType: 2,
			wantText: "230 Login successful",
		},
		{
			name:     "openbsd space continuations",
			input:    "220-\r\n Welcome to ftpd\r\n This is line two\r\n220 ready\r\n",
			wantCode: 220,
			wantType: 2,
			wantText: "220 ready",
		},
		{
			name:     "multiline with plain text lines",
			input:    "226-Transfer starting\r\nSome free text\r\n",
			wantCode: 226,
			wantType: 2,
			wantText: "Some free text",
		},
		{
			name:     "no digits at all",
			input:    "Hello\r\n",
			wantCode: 0,
			wantType: 0,
			wantText: "Hello",
		},
		{
			name:     "bare lf line endings",
			input:    "200 Ok\n",
			wantCode: 200,
			wantType: 2,
			wantText: "200 Ok",
		},
		{
			name:     "different code ends multiline",
			input:    "220-hello\r\n421 Service not available\r\n",
			wantCode: 421,
			wantType: 4,
			wantText: "421 Service not available",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reader := bufio.NewReader(strings.NewReader(tt.input))
			reply, err := readReply(reader, nil)
			if err != nil {
				t.Fatalf("readReply() error = %v", err)
			}
			if reply.Code != tt.wantCode {
				t.Errorf("readReply() code = %d, want %d", reply.Code, tt.wantCode)
			}
			if reply.Type != tt.wantType {
				t.Errorf("readReply() type = %d, want %d", reply.Type, tt.wantType)
			}
			if reply.Text != tt.wantText {
				t.Errorf("readReply() text = %q, want %q", reply.Text, tt.wantText)
			}
		})
	}
}

func TestReplyTail(t *testing.T) {
	t.Parallel()
	reply := Reply{Code: 257, Type: 2, Text: `257 "/home" is current directory`}

	if got, want := reply.Tail(4), `"/home" is current directory`; got != want {
		t.Errorf("Tail(4) = %q, want %q", got, want)
	}
	if got := reply.Tail(100); got != "" {
		t.Errorf("Tail(100) = %q, want empty", got)
	}
}

func TestLeadingCode(t *testing.T) {
	t.Parallel()
	tests := []struct {
		line string
		want int
	}{
		{"220 hello", 220},
		{"220-hello", 220},
		{"hello", 0},
		{"", 0},
		{"4 x", 4},
	}
	for _, tt := range tests {
		if got := leadingCode(tt.line); got != tt.want {
			t.Errorf("leadingCode(%q) = %d, want %d", tt.line, got, tt.want)
		}
	}
}
