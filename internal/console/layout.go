package console

import (
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/google/uuid"
	"github.com/rivo/uniseg"

	"github.com/pivaldi/nearchat/internal/chat"
	"github.com/pivaldi/nearchat/internal/session"
)

var (
	styleBase    = tcell.StyleDefault
	styleDim     = tcell.StyleDefault.Foreground(tcell.ColorGray)
	styleLocal   = tcell.StyleDefault.Foreground(tcell.ColorWhite).Background(tcell.ColorNavy)
	styleFailed  = tcell.StyleDefault.Foreground(tcell.ColorRed).Bold(true)
	styleOnline  = tcell.StyleDefault.Foreground(tcell.ColorGreen)
	styleOffline = tcell.StyleDefault.Foreground(tcell.ColorOrange)
)

type segment struct {
	text  string
	style tcell.Style
}

type row struct {
	segs  []segment
	right bool
}

func (r row) width() int {
	w := 0
	for _, s := range r.segs {
		w += uniseg.StringWidth(s.text)
	}
	return w
}

func (r row) String() string {
	var b strings.Builder
	for _, s := range r.segs {
		b.WriteString(s.text)
	}
	return b.String()
}

// statusGlyph marks the delivery state of a local message.
func statusGlyph(s chat.Status) segment {
	switch s {
	case chat.Sending:
		return segment{"…", styleDim}
	case chat.Failed:
		return segment{"!", styleFailed}
	default:
		return segment{"✓", styleDim}
	}
}

func statusRow(st session.State) row {
	dot := segment{"● ", styleOffline}
	if st.IsConnected {
		dot.style = styleOnline
	}
	segs := []segment{dot, {st.ConnectionStatus, styleBase}}
	if st.IsLoading {
		segs = append(segs, segment{"  sending…", styleDim})
	}
	if st.DisplayName != "" {
		segs = append(segs, segment{"  as ", styleDim}, segment{st.DisplayName, styleBase.Foreground(SenderColor(st.DisplayName))})
	}
	return row{segs: segs}
}

// messageRows lays out the transcript for a screen width cols. Remote
// lines start with the colored sender name; local lines are right
// aligned and end with their status glyph.
func messageRows(msgs []chat.Message, cols int) []row {
	var rows []row
	for _, m := range msgs {
		stamp := segment{m.Timestamp.Format("15:04") + " ", styleDim}

		if m.Origin == chat.Local {
			glyph := statusGlyph(m.Status)
			lines := wrap(m.Content, cols-2)
			for i, line := range lines {
				segs := []segment{{line, styleLocal}}
				if i == len(lines)-1 {
					segs = append(segs, segment{" ", styleBase}, glyph)
				}
				rows = append(rows, row{segs: segs, right: true})
			}
			continue
		}

		name := segment{m.SenderName + ": ", styleBase.Foreground(SenderColor(m.SenderName)).Bold(true)}
		indent := uniseg.StringWidth(stamp.text) + uniseg.StringWidth(name.text)
		lines := wrap(m.Content, cols-indent)
		for i, line := range lines {
			if i == 0 {
				rows = append(rows, row{segs: []segment{stamp, name, {line, styleBase}}})
				continue
			}
			rows = append(rows, row{segs: []segment{{strings.Repeat(" ", indent) + line, styleBase}}})
		}
	}
	return rows
}

// wrap breaks text on spaces so no line is wider than cols; words longer
// than cols are split.
func wrap(text string, cols int) []string {
	if cols < 1 {
		cols = 1
	}
	var (
		lines []string
		cur   strings.Builder
		curW  int
	)
	flush := func() {
		lines = append(lines, cur.String())
		cur.Reset()
		curW = 0
	}

	for _, word := range strings.Fields(text) {
		w := uniseg.StringWidth(word)
		if curW > 0 && curW+1+w > cols {
			flush()
		}
		if curW > 0 {
			cur.WriteByte(' ')
			curW++
		}
		for w > cols {
			head, tail := splitWidth(word, cols)
			cur.WriteString(head)
			flush()
			word, w = tail, uniseg.StringWidth(tail)
		}
		cur.WriteString(word)
		curW += w
	}
	if curW > 0 || len(lines) == 0 {
		flush()
	}
	return lines
}

// splitWidth cuts s after at most cols columns on a grapheme boundary,
// keeping at least one grapheme.
func splitWidth(s string, cols int) (string, string) {
	w := 0
	gr := uniseg.NewGraphemes(s)
	for gr.Next() {
		gw := gr.Width()
		if w > 0 && w+gw > cols {
			start, _ := gr.Positions()
			return s[:start], s[start:]
		}
		w += gw
	}
	return s, ""
}

// failedIDs lists failed local messages, most recent first.
func failedIDs(msgs []chat.Message) []uuid.UUID {
	var ids []uuid.UUID
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Origin == chat.Local && msgs[i].Status == chat.Failed {
			ids = append(ids, msgs[i].ID)
		}
	}
	return ids
}
