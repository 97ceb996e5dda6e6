package theme

import (
	"image/color"
	"runtime"

	"gioui.org/unit"
	"gioui.org/widget/material"
)

// Palette defines the keyboard colors.
type Palette struct {
	Background color.NRGBA
	Surface    color.NRGBA
	Key        color.NRGBA
	KeyActive  color.NRGBA
	Primary    color.NRGBA
	Text       color.NRGBA
	TextMuted  color.NRGBA
	Border     color.NRGBA
	Caret      color.NRGBA
}

// Config defines the keyboard metrics.
type Config struct {
	CornerRadius unit.Dp
	Spacing      unit.Dp
	Padding      unit.Dp
	FontTitle    unit.Sp
	FontBody     unit.Sp
	FontKey      unit.Sp
	FontKeyLarge unit.Sp
	CaretWidth   unit.Dp
}

// Theme wraps the material theme with keyboard styling.
type Theme struct {
	*material.Theme
	Palette Palette
	Config  Config
}

// NewTheme creates a theme for the current OS.
func NewTheme(mtheme *material.Theme) *Theme {
	t := &Theme{
		Theme: mtheme,
	}

	if runtime.GOOS == "darwin" {
		setupMacOSTheme(t)
	} else {
		setupDefaultTheme(t)
	}

	t.Theme.Palette.Bg = t.Palette.Background
	t.Theme.Palette.Fg = t.Palette.Text
	t.Theme.Palette.ContrastBg = t.Palette.Primary
	t.Theme.TextSize = t.Config.FontBody
	return t
}

func setupDefaultTheme(t *Theme) {
	t.Palette = Palette{
		Background: color.NRGBA{R: 0x20, G: 0x20, B: 0x20, A: 0xFF},
		Surface:    color.NRGBA{R: 0x2C, G: 0x2C, B: 0x2C, A: 0xFF},
		Key:        color.NRGBA{R: 0x3A, G: 0x3A, B: 0x3A, A: 0xFF},
		KeyActive:  color.NRGBA{R: 0x00, G: 0x5A, B: 0x9E, A: 0xFF},
		Primary:    color.NRGBA{R: 0x00, G: 0x78, B: 0xD4, A: 0xFF},
		Text:       color.NRGBA{R: 0xFF, G: 0xFF, B: 0xFF, A: 0xFF},
		TextMuted:  color.NRGBA{R: 0xA0, G: 0xA0, B: 0xA0, A: 0xFF},
		Border:     color.NRGBA{R: 0x40, G: 0x40, B: 0x40, A: 0xFF},
		Caret:      color.NRGBA{R: 0xFF, G: 0xB9, B: 0x00, A: 0xFF},
	}

	t.Config = Config{
		CornerRadius: unit.Dp(4),
		Spacing:      unit.Dp(8),
		Padding:      unit.Dp(16),
		FontTitle:    unit.Sp(20),
		FontBody:     unit.Sp(14),
		FontKey:      unit.Sp(14),
		FontKeyLarge: unit.Sp(28),
		CaretWidth:   unit.Dp(2),
	}
}

func setupMacOSTheme(t *Theme) {
	t.Palette = Palette{
		Background: color.NRGBA{R: 0x1E, G: 0x1E, B: 0x1E, A: 0xFF},
		Surface:    color.NRGBA{R: 0x26, G: 0x26, B: 0x26, A: 0xFF},
		Key:        color.NRGBA{R: 0x3A, G: 0x3A, B: 0x3C, A: 0xFF},
		KeyActive:  color.NRGBA{R: 0x0A, G: 0x60, B: 0xC0, A: 0xFF},
		Primary:    color.NRGBA{R: 0x0A, G: 0x84, B: 0xFF, A: 0xFF},
		Text:       color.NRGBA{R: 0xF5, G: 0xF5, B: 0xF7, A: 0xFF},
		TextMuted:  color.NRGBA{R: 0x86, G: 0x86, B: 0x8B, A: 0xFF},
		Border:     color.NRGBA{R: 0x3A, G: 0x3A, B: 0x3C, A: 0xFF},
		Caret:      color.NRGBA{R: 0xFF, G: 0x9F, B: 0x0A, A: 0xFF},
	}

	t.Config = Config{
		CornerRadius: unit.Dp(10),
		Spacing:      unit.Dp(10),
		Padding:      unit.Dp(20),
		FontTitle:    unit.Sp(22),
		FontBody:     unit.Sp(13),
		FontKey:      unit.Sp(13),
		FontKeyLarge: unit.Sp(26),
		CaretWidth:   unit.Dp(2),
	}
}
