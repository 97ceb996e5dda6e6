// Command blobterm runs the blob keyboard in a terminal. Keys are pressed
// with the mouse; dragging sideways picks the left, center or right letter.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/mattn/go-isatty"
	"golang.org/x/sync/errgroup"

	"blobkbd/internal/app"
	"blobkbd/internal/caret"
	"blobkbd/internal/ime"
	"blobkbd/internal/keyboard"
)

var errSnapshotTimeout = errors.New("engine did not answer")

func main() {
	configPath := flag.String("config", "", "Configuration file")
	layoutPath := flag.String("layout", "", "Keyboard layout file (overrides the configuration)")
	watch := flag.Bool("watch", true, "Reload the configuration when it changes")
	flag.Parse()

	h, err := app.Setup(app.Options{
		Component:  "blobterm",
		ConfigPath: *configPath,
		LayoutPath: *layoutPath,
		Watch:      *watch,
		Quiet:      true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	err = h.Crash.Run(map[string]any{"host": "terminal"}, func() error {
		return run(h)
	})
	if cerr := h.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// term holds the UI goroutine state.
type term struct {
	engine *ime.Engine
	view   *view

	// buttonDown is set while the primary button is held, pressing is set
	// only while that press is on a key.
	buttonDown bool
	pressing   bool
	held       keyboard.Info
}

func run(h *app.Host) error {
	if fd := os.Stdout.Fd(); !isatty.IsTerminal(fd) && !isatty.IsCygwinTerminal(fd) {
		return errors.New("blobterm needs an interactive terminal")
	}

	screen, err := tcell.NewScreen()
	if err != nil {
		return fmt.Errorf("open terminal: %w", err)
	}
	if err := screen.Init(); err != nil {
		return fmt.Errorf("init terminal: %w", err)
	}
	defer screen.Fini()
	screen.EnableMouse()
	screen.HideCursor()

	p := newPresenter(screen)
	e, err := h.NewEngine(p)
	if err != nil {
		return err
	}
	defer e.Close()

	m := caret.Metrics{CellWidth: h.Config.Caret.CellWidth, LineHeight: h.Config.Caret.LineHeight}
	v := &view{
		screen: screen,
		state:  p,
		comp:   caret.SingleLine(m),
		doc: caret.Layout{
			Metrics:      m,
			WrapWidth:    h.Config.Caret.DocumentWrapWidth,
			VisibleLines: h.Config.Caret.DocumentVisibleLines,
		},
	}
	v.keys = keyInfos(e)
	layouts := p.layouts.Load()

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := e.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		for {
			select {
			case err := <-e.Errors():
				_ = screen.PostEvent(tcell.NewEventInterrupt(err))
			case <-gctx.Done():
				return nil
			}
		}
	})
	defer func() {
		cancel()
		if err := g.Wait(); err != nil {
			h.Logger.Error("engine stopped", "error", err)
		}
	}()

	t := &term{engine: e, view: v}
	v.draw()
	for {
		switch ev := screen.PollEvent().(type) {
		case nil:
			return nil
		case *tcell.EventResize:
			screen.Sync()
		case *tcell.EventInterrupt:
			if err, ok := ev.Data().(error); ok {
				v.status = err.Error()
			}
			p.redrawn()
			if n := p.layouts.Load(); n != layouts {
				infos, err := snapshot(e)
				switch {
				case err == nil:
					v.keys, layouts = infos, n
				case !errors.Is(err, ime.ErrClosed):
					h.Logger.Warn("key snapshot failed", "error", err)
				}
			}
		case *tcell.EventKey:
			if ev.Key() == tcell.KeyCtrlC {
				return nil
			}
			t.key(ev)
		case *tcell.EventMouse:
			t.mouse(ev)
		}
		v.draw()
	}
}

func (t *term) submit(ev ime.Event) {
	if err := t.engine.Submit(ev); err != nil {
		t.view.status = err.Error()
	}
}

func (t *term) key(ev *tcell.EventKey) {
	switch ev.Key() {
	case tcell.KeyEnter:
		t.submit(ime.Act(ime.ActionAccept))
	case tcell.KeyEscape:
		t.submit(ime.Act(ime.ActionClear))
	case tcell.KeyRune:
		if ev.Rune() == ' ' {
			t.submit(ime.Act(ime.ActionSpace))
		}
	}
}

// mouse maps the primary button to press sessions. Dragging off the key
// ends the session without a character.
func (t *term) mouse(ev *tcell.EventMouse) {
	x, y := ev.Position()
	down := ev.Buttons()&tcell.Button1 != 0

	switch {
	case down && !t.buttonDown:
		t.buttonDown = true
		info, ok := t.view.keyAt(x, y)
		if !ok {
			return
		}
		t.pressing, t.held = true, info
		t.view.status = ""
		t.submit(ime.Press(info.ID, t.view.grid.point(x, y)))
	case down && t.pressing:
		p := t.view.grid.point(x, y)
		if !t.held.Def.Rect.Contains(p) {
			t.pressing = false
			t.submit(ime.PressLost(t.held.ID))
			return
		}
		t.submit(ime.Move(t.held.ID, p))
	case !down && t.buttonDown:
		t.buttonDown = false
		if t.pressing {
			t.pressing = false
			t.submit(ime.Release(t.held.ID))
		}
	}
}

// keyInfos lists the keys of e. It must run on the engine goroutine.
func keyInfos(e *ime.Engine) []keyboard.Info {
	ids := e.Keys()
	infos := make([]keyboard.Info, 0, len(ids))
	for _, id := range ids {
		if info, ok := e.Key(id); ok {
			infos = append(infos, info)
		}
	}
	return infos
}

// snapshot lists the keys of a running engine after a layout change.
func snapshot(e *ime.Engine) ([]keyboard.Info, error) {
	ch := make(chan []keyboard.Info, 1)
	if err := e.Do(func() { ch <- keyInfos(e) }); err != nil {
		return nil, err
	}
	select {
	case infos := <-ch:
		return infos, nil
	case <-time.After(time.Second):
		return nil, errSnapshotTimeout
	}
}
