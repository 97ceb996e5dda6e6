package main

import (
	"flag"
	"log"
	"os"

	"gioui.org/app"
	"gioui.org/op"
	"gioui.org/unit"
	"gioui.org/widget/material"

	"blobkbd/cmd/blobkbd/internal/theme"
	"blobkbd/cmd/blobkbd/internal/ui"
	host "blobkbd/internal/app"
	"blobkbd/internal/caret"
	"blobkbd/internal/ime"
)

func main() {
	configPath := flag.String("config", "", "Configuration file")
	layoutPath := flag.String("layout", "", "Keyboard layout file (overrides the configuration)")
	watch := flag.Bool("watch", true, "Reload the configuration when it changes")
	flag.Parse()

	h, err := host.Setup(host.Options{
		Component:  "blobkbd",
		ConfigPath: *configPath,
		LayoutPath: *layoutPath,
		Watch:      *watch,
	})
	if err != nil {
		log.Fatal(err)
	}

	go func() {
		w := new(app.Window)
		w.Option(app.Title("Blob Keyboard"))
		w.Option(app.Size(unit.Dp(720), unit.Dp(640)))

		err := h.Crash.Run(map[string]any{"host": "gio"}, func() error {
			return loop(w, h)
		})
		if cerr := h.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			log.Fatal(err)
		}
		os.Exit(0)
	}()
	app.Main()
}

func loop(w *app.Window, h *host.Host) error {
	t := theme.NewTheme(material.NewTheme())
	state := ime.NewRecorder()
	engine, err := h.NewEngine(state)
	if err != nil {
		return err
	}
	defer engine.Close()

	m := caret.Metrics{CellWidth: h.Config.Caret.CellWidth, LineHeight: h.Config.Caret.LineHeight}
	view := ui.NewKeyboard(t, state, m, h.Config.Caret.DocumentWrapWidth, h.Logger.Logger)
	view.Attach(engine)

	var ops op.Ops
	for {
		switch e := w.Event().(type) {
		case app.DestroyEvent:
			return e.Err
		case app.FrameEvent:
			gtx := app.NewContext(&ops, e)

			// Configuration changes queued by the watcher run here; the
			// blink deadline guarantees a frame at least once per period.
			engine.Drain()
			engine.Advance(gtx.Now)

			view.Layout(gtx)

			if next, ok := engine.NextDeadline(); ok {
				gtx.Execute(op.InvalidateCmd{At: next})
			}
			e.Frame(gtx.Ops)
		}
	}
}
