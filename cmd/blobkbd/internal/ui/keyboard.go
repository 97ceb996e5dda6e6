package ui

import (
	"errors"
	"image"
	"log/slog"

	"gioui.org/f32"
	"gioui.org/font"
	"gioui.org/io/event"
	"gioui.org/io/pointer"
	"gioui.org/layout"
	"gioui.org/op"
	"gioui.org/op/clip"
	"gioui.org/op/paint"
	"gioui.org/text"
	"gioui.org/unit"
	"gioui.org/widget"
	"gioui.org/widget/material"

	"blobkbd/cmd/blobkbd/internal/theme"
	"blobkbd/internal/caret"
	"blobkbd/internal/ime"
	"blobkbd/internal/keyboard"
	"blobkbd/internal/zone"
)

// keyArea is the pointer target of one key.
type keyArea struct {
	id      keyboard.KeyID
	pressed bool
}

// Keyboard renders an engine and feeds pointer input back to it.
type Keyboard struct {
	theme   *theme.Theme
	state   *ime.Recorder
	metrics caret.Metrics
	wrap    int
	log     *slog.Logger

	engine *ime.Engine
	areas  map[keyboard.KeyID]*keyArea

	clear  widget.Clickable
	space  widget.Clickable
	accept widget.Clickable

	status string
}

// NewKeyboard creates a view. state must be the presenter of the engine
// later passed to Attach.
func NewKeyboard(t *theme.Theme, state *ime.Recorder, m caret.Metrics, wrapWidth int, log *slog.Logger) *Keyboard {
	return &Keyboard{
		theme:   t,
		state:   state,
		metrics: m,
		wrap:    wrapWidth,
		log:     log,
		areas:   make(map[keyboard.KeyID]*keyArea),
	}
}

// Attach sets the engine the view drives.
func (k *Keyboard) Attach(e *ime.Engine) {
	k.engine = e
	k.areas = make(map[keyboard.KeyID]*keyArea)
}

func (k *Keyboard) dispatch(ev ime.Event) {
	if k.engine == nil {
		return
	}
	err := k.engine.Dispatch(ev)
	switch {
	case err == nil:
		k.status = ""
	case errors.Is(err, ime.ErrClosed):
	default:
		k.status = err.Error()
		k.log.Warn("event rejected", "event", ev.String(), "error", err)
	}
}

// Layout handles input and renders the view.
func (k *Keyboard) Layout(gtx layout.Context) layout.Dimensions {
	if k.clear.Clicked(gtx) {
		k.dispatch(ime.Act(ime.ActionClear))
	}
	if k.space.Clicked(gtx) {
		k.dispatch(ime.Act(ime.ActionSpace))
	}
	if k.accept.Clicked(gtx) {
		k.dispatch(ime.Act(ime.ActionAccept))
	}

	paint.Fill(gtx.Ops, k.theme.Palette.Background)

	spacer := layout.Spacer{Height: k.theme.Config.Spacing}.Layout
	return layout.UniformInset(k.theme.Config.Padding).Layout(gtx, func(gtx layout.Context) layout.Dimensions {
		return layout.Flex{Axis: layout.Vertical}.Layout(gtx,
			layout.Rigid(func(gtx layout.Context) layout.Dimensions {
				title := material.H6(k.theme.Theme, "BLOBKBD")
				title.Color = k.theme.Palette.Primary
				title.TextSize = k.theme.Config.FontTitle
				return title.Layout(gtx)
			}),
			layout.Rigid(spacer),
			layout.Flexed(1, func(gtx layout.Context) layout.Dimensions {
				return k.layoutText(gtx, k.state.Document(), caret.Document, true)
			}),
			layout.Rigid(spacer),
			layout.Rigid(func(gtx layout.Context) layout.Dimensions {
				return k.layoutText(gtx, k.state.Composition(), caret.Composition, false)
			}),
			layout.Rigid(spacer),
			layout.Rigid(k.layoutKeys),
			layout.Rigid(spacer),
			layout.Rigid(k.layoutActions),
			layout.Rigid(func(gtx layout.Context) layout.Dimensions {
				l := material.Caption(k.theme.Theme, k.status)
				l.Color = k.theme.Palette.TextMuted
				return l.Layout(gtx)
			}),
		)
	})
}

// layoutText draws a text panel and its caret. Caret coordinates are in
// the engine's display units, rendered as dp.
func (k *Keyboard) layoutText(gtx layout.Context, s string, which caret.Which, wrap bool) layout.Dimensions {
	lineHeight := unit.Dp(k.metrics.LineHeight)
	if !wrap {
		gtx.Constraints.Max.Y = gtx.Dp(lineHeight) + 2*gtx.Dp(k.theme.Config.Spacing)
	}
	size := gtx.Constraints.Max
	rect := clip.UniformRRect(image.Rectangle{Max: size}, gtx.Dp(k.theme.Config.CornerRadius)).Op(gtx.Ops)
	paint.FillShape(gtx.Ops, k.theme.Palette.Surface, rect)

	layout.UniformInset(k.theme.Config.Spacing).Layout(gtx, func(gtx layout.Context) layout.Dimensions {
		if wrap && k.wrap > 0 {
			gtx.Constraints.Max.X = min(gtx.Constraints.Max.X, gtx.Dp(unit.Dp(k.wrap)))
		}
		l := material.Label(k.theme.Theme, unit.Sp(k.metrics.LineHeight), s)
		l.Font.Typeface = font.Typeface("monospace")
		l.LineHeight = unit.Sp(k.metrics.LineHeight)
		l.Color = k.theme.Palette.Text
		if wrap {
			l.WrapPolicy = text.WrapGraphemes
		} else {
			l.MaxLines = 1
		}
		dims := l.Layout(gtx)

		st := k.state.Caret(which)
		if st.Visible {
			off := image.Pt(gtx.Dp(unit.Dp(st.X)), gtx.Dp(unit.Dp(st.Y)))
			bar := image.Rectangle{Min: off, Max: off.Add(image.Pt(gtx.Dp(k.theme.Config.CaretWidth), gtx.Dp(lineHeight)))}
			paint.FillShape(gtx.Ops, k.theme.Palette.Caret, clip.Rect(bar).Op())
		}
		return dims
	})
	return layout.Dimensions{Size: size}
}

// layoutKeys scales the layout to the available width and draws every key.
func (k *Keyboard) layoutKeys(gtx layout.Context) layout.Dimensions {
	if k.engine == nil {
		return layout.Dimensions{}
	}
	b := k.engine.Layout().Bounds()
	width, height := b.X+b.Width, b.Y+b.Height
	if width <= 0 || height <= 0 {
		return layout.Dimensions{}
	}

	scale := float32(gtx.Constraints.Max.X) / float32(width)
	if limit := 2 * gtx.Metric.PxPerDp; scale > limit {
		scale = limit
	}

	ids := k.engine.Keys()
	live := make(map[keyboard.KeyID]bool, len(ids))
	for _, id := range ids {
		live[id] = true
		info, ok := k.engine.Key(id)
		if !ok {
			continue
		}
		a := k.areas[id]
		if a == nil {
			a = &keyArea{id: id}
			k.areas[id] = a
		}
		k.handleKey(gtx, a, info.Def.Rect, scale)
		k.drawKey(gtx, a, info.Def, scale)
	}
	for id := range k.areas {
		if !live[id] {
			delete(k.areas, id)
		}
	}
	return layout.Dimensions{Size: image.Pt(px(width, scale), px(height, scale))}
}

func px(v int, scale float32) int {
	return int(float32(v) * scale)
}

// handleKey turns pointer events on a key into engine events. Positions are
// local to the key, so they are mapped back into layout coordinates.
func (k *Keyboard) handleKey(gtx layout.Context, a *keyArea, r zone.Rect, scale float32) {
	toPoint := func(pos f32.Point) zone.Point {
		return zone.Point{X: r.X + int(pos.X/scale), Y: r.Y + int(pos.Y/scale)}
	}
	for {
		ev, ok := gtx.Event(pointer.Filter{
			Target: a,
			Kinds:  pointer.Press | pointer.Drag | pointer.Release | pointer.Cancel,
		})
		if !ok {
			return
		}
		e, ok := ev.(pointer.Event)
		if !ok {
			continue
		}
		switch e.Kind {
		case pointer.Press:
			a.pressed = true
			k.dispatch(ime.Press(a.id, toPoint(e.Position)))
		case pointer.Drag:
			if !a.pressed {
				continue
			}
			p := toPoint(e.Position)
			if !r.Contains(p) {
				a.pressed = false
				k.dispatch(ime.PressLost(a.id))
				continue
			}
			k.dispatch(ime.Move(a.id, p))
		case pointer.Release:
			if a.pressed {
				a.pressed = false
				k.dispatch(ime.Release(a.id))
			}
		case pointer.Cancel:
			if a.pressed {
				a.pressed = false
				k.dispatch(ime.PressLost(a.id))
			}
		}
	}
}

func (k *Keyboard) drawKey(gtx layout.Context, a *keyArea, def keyboard.KeyDef, scale float32) {
	defer op.Offset(image.Pt(px(def.Rect.X, scale), px(def.Rect.Y, scale))).Push(gtx.Ops).Pop()
	size := image.Pt(px(def.Rect.Width, scale), px(def.Rect.Height, scale))
	area := image.Rectangle{Max: size}

	defer clip.Rect(area).Push(gtx.Ops).Pop()
	event.Op(gtx.Ops, a)

	v, ok := k.state.Visual(a.id)
	if !ok {
		v = keyboard.DefaultVisual
	}
	bg := k.theme.Palette.Key
	if v.Active {
		bg = k.theme.Palette.KeyActive
	}
	radius := gtx.Dp(k.theme.Config.CornerRadius)
	paint.FillShape(gtx.Ops, bg, clip.UniformRRect(area, radius).Op(gtx.Ops))

	gtx.Constraints = layout.Exact(size)
	if ch, ok := def.Letter(v.Zone); ok {
		layout.Center.Layout(gtx, func(gtx layout.Context) layout.Dimensions {
			l := material.Label(k.theme.Theme, k.theme.Config.FontKeyLarge, string(ch))
			l.Color = k.theme.Palette.Text
			return l.Layout(gtx)
		})
		return
	}

	third := size.X / 3
	for i, ch := range def.Letters {
		func() {
			defer op.Offset(image.Pt(i*third, 0)).Push(gtx.Ops).Pop()
			gtx := gtx
			gtx.Constraints = layout.Exact(image.Pt(third, size.Y))
			layout.Center.Layout(gtx, func(gtx layout.Context) layout.Dimensions {
				l := material.Label(k.theme.Theme, k.theme.Config.FontKey, string(ch))
				l.Color = k.theme.Palette.TextMuted
				l.Alignment = text.Middle
				return l.Layout(gtx)
			})
		}()
	}
}

func (k *Keyboard) layoutActions(gtx layout.Context) layout.Dimensions {
	button := func(c *widget.Clickable, label string) layout.FlexChild {
		return layout.Flexed(1, func(gtx layout.Context) layout.Dimensions {
			return layout.UniformInset(unit.Dp(4)).Layout(gtx, func(gtx layout.Context) layout.Dimensions {
				b := material.Button(k.theme.Theme, c, label)
				b.CornerRadius = k.theme.Config.CornerRadius
				return b.Layout(gtx)
			})
		})
	}
	return layout.Flex{Axis: layout.Horizontal}.Layout(gtx,
		button(&k.clear, "Clear"),
		button(&k.space, "Space"),
		button(&k.accept, "Accept"),
	)
}
