// Package console is the terminal front end: a status line, the
// transcript and an input line, redrawn on every published state.
package console

import (
	"context"
	"errors"
	"fmt"

	"github.com/gdamore/tcell/v2"
	"github.com/google/uuid"
	"github.com/rivo/uniseg"
	"github.com/sirupsen/logrus"

	"github.com/pivaldi/nearchat/internal/chat"
	"github.com/pivaldi/nearchat/internal/session"
)

// Controller is the part of the session manager the console drives.
type Controller interface {
	Submit(text string) (chat.Message, bool)
	Retry(id uuid.UUID) bool
	Disconnect()
	Reconnect()
	Rename(name string) error
	Snapshot() session.State
	Subscribe() (<-chan session.State, func())
}

// UI owns the terminal screen.
type UI struct {
	screen tcell.Screen
	ctrl   Controller
	log    *logrus.Entry

	state  session.State
	input  []rune
	notice string
	scroll int
}

// New wraps screen; a nil screen opens the terminal.
func New(screen tcell.Screen, ctrl Controller, log *logrus.Logger) (*UI, error) {
	if screen == nil {
		s, err := tcell.NewScreen()
		if err != nil {
			return nil, fmt.Errorf("open terminal: %w", err)
		}
		screen = s
	}
	return &UI{
		screen: screen,
		ctrl:   ctrl,
		log:    log.WithField("component", "console"),
		state:  ctrl.Snapshot(),
		notice: helpText,
	}, nil
}

// Run draws until the user quits or ctx is done. It restores the
// terminal before returning.
func (u *UI) Run(ctx context.Context) error {
	if err := u.screen.Init(); err != nil {
		return fmt.Errorf("init terminal: %w", err)
	}
	defer u.screen.Fini()

	states, unsubscribe := u.ctrl.Subscribe()
	defer unsubscribe()

	keys := make(chan tcell.Event, 16)
	quit := make(chan struct{})
	defer close(quit)
	go func() {
		for {
			ev := u.screen.PollEvent()
			if ev == nil {
				return
			}
			select {
			case keys <- ev:
			case <-quit:
				return
			}
		}
	}()

	u.draw()
	for {
		select {
		case <-ctx.Done():
			return nil
		case st, ok := <-states:
			if !ok {
				return nil
			}
			u.state = st
		case ev := <-keys:
			if done := u.handle(ev); done {
				return nil
			}
		}
		u.draw()
	}
}

// handle applies one terminal event and reports whether to quit.
func (u *UI) handle(ev tcell.Event) bool {
	switch ev := ev.(type) {
	case *tcell.EventResize:
		u.screen.Sync()
	case *tcell.EventKey:
		switch ev.Key() {
		case tcell.KeyCtrlC:
			return true
		case tcell.KeyEnter:
			line := string(u.input)
			u.input = u.input[:0]
			return u.exec(line)
		case tcell.KeyBackspace, tcell.KeyBackspace2:
			if n := len(u.input); n > 0 {
				u.input = u.input[:n-1]
			}
		case tcell.KeyPgUp:
			u.scroll += 5
		case tcell.KeyPgDn:
			u.scroll = max(0, u.scroll-5)
		case tcell.KeyRune:
			u.input = append(u.input, ev.Rune())
		}
	}
	return false
}

// exec runs one input line and reports whether to quit.
func (u *UI) exec(line string) bool {
	cmd, err := Parse(line)
	if err != nil {
		if !errors.Is(err, errEmpty) {
			u.notice = err.Error()
		}
		return false
	}
	u.notice = ""

	switch cmd.Kind {
	case Say:
		u.ctrl.Submit(cmd.Text)
		u.scroll = 0
	case Retry:
		u.retry(cmd.Index)
	case Disconnect:
		u.ctrl.Disconnect()
		u.notice = "disconnected, /reconnect to search again"
	case Reconnect:
		u.ctrl.Reconnect()
	case Rename:
		if err := u.ctrl.Rename(cmd.Text); err != nil {
			u.notice = err.Error()
		}
	case Help:
		u.notice = helpText
	case Quit:
		return true
	}
	return false
}

func (u *UI) retry(index int) {
	ids := failedIDs(u.ctrl.Snapshot().Messages)
	if len(ids) == 0 {
		u.notice = "nothing to retry"
		return
	}
	if index == 0 {
		index = 1
	}
	if index > len(ids) {
		u.notice = fmt.Sprintf("only %d failed message(s)", len(ids))
		return
	}
	if !u.ctrl.Retry(ids[index-1]) {
		u.log.WithField("id", ids[index-1]).Debug("retry refused")
	}
}

func (u *UI) draw() {
	u.screen.Clear()
	cols, lines := u.screen.Size()
	if cols <= 0 || lines < 3 {
		u.screen.Show()
		return
	}

	u.drawRow(0, cols, statusRow(u.state))

	// Transcript fills the rows between the status line and the two
	// bottom rows, newest at the bottom.
	rows := messageRows(u.state.Messages, cols)
	space := lines - 3
	end := len(rows) - u.scroll
	if end < 0 {
		end = 0
		u.scroll = len(rows)
	}
	start := max(0, end-space)
	for i, r := range rows[start:end] {
		u.drawRow(1+i, cols, r)
	}

	if u.notice != "" {
		u.drawRow(lines-2, cols, row{segs: []segment{{u.notice, styleDim}}})
	}
	prompt := row{segs: []segment{{"> ", styleDim}, {string(u.input), styleBase}}}
	u.drawRow(lines-1, cols, prompt)
	u.screen.ShowCursor(min(prompt.width(), cols-1), lines-1)

	u.screen.Show()
}

func (u *UI) drawRow(y, cols int, r row) {
	x := 0
	if r.right {
		x = max(0, cols-r.width())
	}
	for _, seg := range r.segs {
		gr := uniseg.NewGraphemes(seg.text)
		for gr.Next() && x < cols {
			runes := gr.Runes()
			u.screen.SetContent(x, y, runes[0], runes[1:], seg.style)
			x += max(1, gr.Width())
		}
	}
}
