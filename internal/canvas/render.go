package canvas

import (
	"bytes"
	"fmt"
	"html"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"math"
	"strconv"
	"strings"
)

const padding = 20.0

type box struct {
	node         NodeData
	x, y, w, h   float64
	headerHeight float64
	rowHeight    float64
}

func (b box) center() (float64, float64) {
	return b.x + b.w/2, b.y + b.h/2
}

type layout struct {
	boxes                  map[string]box
	order                  []string
	minX, minY, maxX, maxY float64
}

func (l layout) width() float64  { return l.maxX - l.minX }
func (l layout) height() float64 { return l.maxY - l.minY }

// layout must be called with mu held.
func (h *Headless) layout() layout {
	t := h.templates.Node
	l := layout{boxes: make(map[string]box, len(h.nodes))}

	first := true
	for _, n := range h.nodes {
		p, err := ParseLoc(n.Loc)
		if err != nil {
			p.X, p.Y = 0, 0
		}
		rows := max(len(n.Attributes), 1)
		b := box{
			node:         n,
			x:            p.X,
			y:            p.Y,
			w:            t.Width,
			h:            t.HeaderHeight + float64(rows)*t.RowHeight,
			headerHeight: t.HeaderHeight,
			rowHeight:    t.RowHeight,
		}
		l.boxes[n.Key] = b
		l.order = append(l.order, n.Key)

		if first {
			l.minX, l.minY, l.maxX, l.maxY = b.x, b.y, b.x+b.w, b.y+b.h
			first = false
			continue
		}
		l.minX = math.Min(l.minX, b.x)
		l.minY = math.Min(l.minY, b.y)
		l.maxX = math.Max(l.maxX, b.x+b.w)
		l.maxY = math.Max(l.maxY, b.y+b.h)
	}

	l.minX -= padding
	l.minY -= padding
	l.maxX += padding
	l.maxY += padding
	return l
}

// MakeSVG renders the current nodes and links. Links whose endpoints are
// not rendered are skipped.
func (h *Headless) MakeSVG() (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.configured {
		return "", ErrNotConfigured
	}

	l := h.layout()
	lt := h.templates.Link
	nt := h.templates.Node

	var b strings.Builder
	fmt.Fprintf(&b, `<svg xmlns="http://www.w3.org/2000/svg" width="%s" height="%s" viewBox="%s %s %s %s">`,
		num(l.width()), num(l.height()), num(l.minX), num(l.minY), num(l.width()), num(l.height()))
	b.WriteString("\n")

	for _, link := range h.links {
		from, ok1 := l.boxes[link.From]
		to, ok2 := l.boxes[link.To]
		if !ok1 || !ok2 {
			continue
		}
		x1, y1 := from.center()
		x2, y2 := to.center()
		fmt.Fprintf(&b, `<g class="link" data-key="%s">`, html.EscapeString(link.Key))
		fmt.Fprintf(&b, `<line x1="%s" y1="%s" x2="%s" y2="%s" stroke="%s"/>`, num(x1), num(y1), num(x2), num(y2), lt.Stroke)
		if labels, ok := lt.Labels[link.Type]; ok {
			fmt.Fprintf(&b, `<text x="%s" y="%s">%s</text>`, num(x1+(x2-x1)*0.2), num(y1+(y2-y1)*0.2), labels[0])
			fmt.Fprintf(&b, `<text x="%s" y="%s">%s</text>`, num(x1+(x2-x1)*0.8), num(y1+(y2-y1)*0.8), labels[1])
		}
		if link.Name != "" {
			fmt.Fprintf(&b, `<text x="%s" y="%s">%s</text>`, num((x1+x2)/2), num((y1+y2)/2), html.EscapeString(link.Name))
		}
		b.WriteString("</g>\n")
	}

	for _, key := range l.order {
		bx := l.boxes[key]
		fmt.Fprintf(&b, `<g class="node" data-key="%s">`, html.EscapeString(key))
		fmt.Fprintf(&b, `<rect x="%s" y="%s" width="%s" height="%s" fill="%s" stroke="%s"/>`,
			num(bx.x), num(bx.y), num(bx.w), num(bx.h), nt.Fill, nt.Stroke)
		fmt.Fprintf(&b, `<rect x="%s" y="%s" width="%s" height="%s" fill="%s"/>`,
			num(bx.x), num(bx.y), num(bx.w), num(bx.headerHeight), nt.HeaderFill)
		fmt.Fprintf(&b, `<text x="%s" y="%s" font-weight="bold">%s</text>`,
			num(bx.x+8), num(bx.y+bx.headerHeight-9), html.EscapeString(bx.node.Name))
		for i, a := range bx.node.Attributes {
			label := a.Name + ": " + string(a.Type)
			if a.IsPrimaryKey {
				label = "PK " + label
			} else if a.IsForeignKey {
				label = "FK " + label
			}
			fmt.Fprintf(&b, `<text x="%s" y="%s">%s</text>`,
				num(bx.x+8), num(bx.y+bx.headerHeight+float64(i+1)*bx.rowHeight-6), html.EscapeString(label))
		}
		b.WriteString("</g>\n")
	}

	b.WriteString("</svg>")
	return b.String(), nil
}

// MakeImage renders boxes and links to a PNG. Text is not drawn.
func (h *Headless) MakeImage() ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.configured {
		return nil, ErrNotConfigured
	}

	l := h.layout()
	nt := h.templates.Node
	img := image.NewRGBA(image.Rect(0, 0, int(math.Ceil(l.width())), int(math.Ceil(l.height()))))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)

	px := func(x, y float64) (int, int) {
		return int(math.Round(x - l.minX)), int(math.Round(y - l.minY))
	}

	linkColor := parseHex(h.templates.Link.Stroke)
	for _, link := range h.links {
		from, ok1 := l.boxes[link.From]
		to, ok2 := l.boxes[link.To]
		if !ok1 || !ok2 {
			continue
		}
		x1, y1 := px(from.center())
		x2, y2 := px(to.center())
		drawLine(img, x1, y1, x2, y2, linkColor)
	}

	fill, header, stroke := parseHex(nt.Fill), parseHex(nt.HeaderFill), parseHex(nt.Stroke)
	for _, key := range l.order {
		bx := l.boxes[key]
		x0, y0 := px(bx.x, bx.y)
		x1, y1 := px(bx.x+bx.w, bx.y+bx.h)
		_, hy := px(bx.x, bx.y+bx.headerHeight)

		draw.Draw(img, image.Rect(x0, y0, x1, y1), &image.Uniform{C: fill}, image.Point{}, draw.Src)
		draw.Draw(img, image.Rect(x0, y0, x1, hy), &image.Uniform{C: header}, image.Point{}, draw.Src)
		drawLine(img, x0, y0, x1, y0, stroke)
		drawLine(img, x0, y1, x1, y1, stroke)
		drawLine(img, x0, y0, x0, y1, stroke)
		drawLine(img, x1, y0, x1, y1, stroke)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

func drawLine(img *image.RGBA, x0, y0, x1, y1 int, c color.Color) {
	dx, dy := abs(x1-x0), -abs(y1-y0)
	sx, sy := 1, 1
	if x0 > x1 {
		sx = -1
	}
	if y0 > y1 {
		sy = -1
	}
	e := dx + dy
	for {
		img.Set(x0, y0, c)
		if x0 == x1 && y0 == y1 {
			return
		}
		e2 := 2 * e
		if e2 >= dy {
			e += dy
			x0 += sx
		}
		if e2 <= dx {
			e += dx
			y0 += sy
		}
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func parseHex(s string) color.RGBA {
	s = strings.TrimPrefix(s, "#")
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil || len(s) != 6 {
		return color.RGBA{A: 0xff}
	}
	return color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 0xff}
}

func num(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
