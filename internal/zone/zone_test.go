package zone

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify_Width62(t *testing.T) {
	r := Rect{X: 0, Y: 0, Width: 62, Height: 62}

	tests := []struct {
		x    int
		want Zone
	}{
		{0, Left},
		{10, Left},
		{19, Left},
		{20, Center},
		{31, Center},
		{41, Center},
		{42, Right},
		{45, Right},
		{62, Right},
	}

	for _, tc := range tests {
		assert.Equal(t, tc.want, Classify(tc.x, r), "x=%d", tc.x)
	}
}

func TestClassify_OffsetRect(t *testing.T) {
	r := Rect{X: 100, Y: 40, Width: 62, Height: 62}

	assert.Equal(t, Left, Classify(110, r))
	assert.Equal(t, Center, Classify(131, r))
	assert.Equal(t, Right, Classify(145, r))
}

func TestClassify_OutOfRange(t *testing.T) {
	r := Rect{X: 50, Width: 30}

	assert.Equal(t, Left, Classify(0, r))
	assert.Equal(t, Left, Classify(-1000, r))
	assert.Equal(t, Right, Classify(500, r))
}

func TestClassify_CenterBias(t *testing.T) {
	// 64/3 = 21 and 128/3 = 42: left 0..20, center 21..42, right 43..63.
	r := Rect{Width: 64}

	counts := map[Zone]int{}
	for x := 0; x < r.Width; x++ {
		counts[Classify(x, r)]++
	}

	assert.Equal(t, 21, counts[Left])
	assert.Equal(t, 22, counts[Center])
	assert.Equal(t, 21, counts[Right])
	assert.Greater(t, counts[Center], counts[Left])
}

func TestClassify_ZeroWidth(t *testing.T) {
	r := Rect{X: 10}

	assert.Equal(t, Left, Classify(9, r))
	assert.Equal(t, Center, Classify(10, r))
	assert.Equal(t, Right, Classify(11, r))
}

func TestClassify_AlwaysValid(t *testing.T) {
	for w := 0; w < 40; w++ {
		r := Rect{X: -7, Width: w}
		for x := -60; x < 60; x++ {
			z := Classify(x, r)
			if !z.Valid() {
				t.Fatalf("Classify(%d, w=%d) returned %v", x, w, z)
			}
			// Same inputs, same answer.
			if again := Classify(x, r); again != z {
				t.Fatalf("Classify not pure: %v then %v", z, again)
			}
		}
	}
}

func TestRectContains(t *testing.T) {
	r := Rect{X: 10, Y: 20, Width: 62, Height: 40}

	assert.True(t, r.Contains(Point{X: 10, Y: 20}))
	assert.True(t, r.Contains(Point{X: 72, Y: 60}))
	assert.False(t, r.Contains(Point{X: 9, Y: 30}))
	assert.False(t, r.Contains(Point{X: 40, Y: 61}))
}

func TestZoneString(t *testing.T) {
	assert.Equal(t, "left", Left.String())
	assert.Equal(t, "center", Center.String())
	assert.Equal(t, "right", Right.String())
	assert.Equal(t, "none", None.String())
	assert.False(t, None.Valid())
}

func TestParse(t *testing.T) {
	for _, z := range []Zone{Left, Center, Right} {
		got, err := Parse(z.String())
		assert.NoError(t, err)
		assert.Equal(t, z, got)
	}
	_, err := Parse("middle")
	assert.Error(t, err)
}

func TestPointIn(t *testing.T) {
	for _, r := range []Rect{
		{X: 0, Y: 0, Width: 62, Height: 62},
		{X: 100, Y: 50, Width: 62, Height: 62},
		{X: -20, Y: 0, Width: 7, Height: 10},
		{X: 5, Y: 5, Width: 300, Height: 40},
	} {
		for _, z := range []Zone{Left, Center, Right} {
			p := r.PointIn(z)
			assert.Equal(t, z, Classify(p.X, r), "%v %v", r, z)
			assert.True(t, r.Contains(p), "%v %v", r, z)
		}
		assert.Equal(t, Point{X: r.X + r.Width/2, Y: r.Y + r.Height/2}, r.PointIn(None))
	}
}
