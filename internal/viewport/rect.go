package viewport

// Rect is an axis-aligned rectangle in CSS pixel coordinates, as reported by
// an instrumented client. Right/Bottom are exclusive edges.
type Rect struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Right  float64 `json:"right"`
	Bottom float64 `json:"bottom"`
}

func (r Rect) Width() float64  { return r.Right - r.Left }
func (r Rect) Height() float64 { return r.Bottom - r.Top }

// Area is 0 for degenerate or inverted rectangles.
func (r Rect) Area() float64 {
	w, h := r.Width(), r.Height()
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// Intersect returns the overlapping region. The result may be inverted when
// the rectangles are disjoint; Area reports it as 0.
func (r Rect) Intersect(o Rect) Rect {
	out := Rect{Left: r.Left, Top: r.Top, Right: r.Right, Bottom: r.Bottom}
	if o.Left > out.Left {
		out.Left = o.Left
	}
	if o.Top > out.Top {
		out.Top = o.Top
	}
	if o.Right < out.Right {
		out.Right = o.Right
	}
	if o.Bottom < out.Bottom {
		out.Bottom = o.Bottom
	}
	return out
}

// VisibleFraction reports what percentage of el lies inside view, in
// [0,100]. Zero-area elements report 0.
func VisibleFraction(view, el Rect) float64 {
	area := el.Area()
	if area <= 0 {
		return 0
	}
	pct := el.Intersect(view).Area() / area * 100
	switch {
	case pct < 0:
		return 0
	case pct > 100:
		return 100
	}
	return pct
}
