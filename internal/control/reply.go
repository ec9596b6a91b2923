package control

import (
	"strconv"
	"strings"
)

// ReplyLine is one line of a control-port reply.
type ReplyLine struct {
	Code      int
	Separator byte // '-' continuation, '+' data, ' ' end of reply
	Text      string
	// Data holds the dot-decoded body of a '+' line.
	Data string
}

// Raw renders the line the way it appeared on the wire, without CRLF.
func (l ReplyLine) Raw() string {
	return strconv.Itoa(l.Code) + string(l.Separator) + l.Text
}

// Reply is a complete control-port reply: every line up to and including the
// terminal one.
type Reply struct {
	Code  int
	Lines []ReplyLine
}

// OK reports a 2xx terminal status.
func (r *Reply) OK() bool { return r.Code >= 200 && r.Code < 300 }

// Messages returns the raw lines in order, e.g. "250-ServiceID=abcd".
func (r *Reply) Messages() []string {
	out := make([]string, 0, len(r.Lines))
	for _, l := range r.Lines {
		out = append(out, l.Raw())
	}
	return out
}

// Value returns the value of the first KEY=VALUE line with the given key.
func (r *Reply) Value(key string) (string, bool) {
	prefix := key + "="
	for _, l := range r.Lines {
		if strings.HasPrefix(l.Text, prefix) {
			return strings.TrimSpace(l.Text[len(prefix):]), true
		}
	}
	return "", false
}

// Values collects every KEY=VALUE line; later keys win.
func (r *Reply) Values() map[string]string {
	m := make(map[string]string)
	for _, l := range r.Lines {
		k, v, ok := strings.Cut(l.Text, "=")
		if !ok || k == "" || strings.ContainsAny(k, " \t") {
			continue
		}
		m[k] = strings.TrimSpace(v)
	}
	return m
}

// Status of the terminal line's text, e.g. "OK".
func (r *Reply) Status() string {
	if len(r.Lines) == 0 {
		return ""
	}
	return r.Lines[len(r.Lines)-1].Text
}

func parseLine(s string) (ReplyLine, error) {
	if len(s) < 4 {
		return ReplyLine{}, &ProtocolError{Line: s, Reason: "line too short"}
	}
	code, err := strconv.Atoi(s[:3])
	if err != nil || code < 100 || code > 999 {
		return ReplyLine{}, &ProtocolError{Line: s, Reason: "invalid status code"}
	}
	sep := s[3]
	switch sep {
	case ' ', '-', '+':
	default:
		return ReplyLine{}, &ProtocolError{Line: s, Reason: "invalid separator"}
	}
	return ReplyLine{Code: code, Separator: sep, Text: s[4:]}, nil
}
