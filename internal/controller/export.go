package controller

import (
	"fmt"

	"github.com/npezzotti/go-erd/internal/canvas"
	"github.com/npezzotti/go-erd/internal/codegen"
	"github.com/npezzotti/go-erd/internal/diagram"
)

type ExportFormat string

const (
	FormatSVG  ExportFormat = "svg"
	FormatPNG  ExportFormat = "png"
	FormatJSON ExportFormat = "json"
	FormatCode ExportFormat = "code"
)

// ExportDiagram renders the current diagram. It does not change any state.
func (c *Controller) ExportDiagram(format ExportFormat) ([]byte, error) {
	var out []byte
	err := c.queue.do(func() (err error) {
		out, err = c.export(format)
		return err
	})
	return out, err
}

func (c *Controller) export(format ExportFormat) ([]byte, error) {
	switch format {
	case FormatSVG, FormatPNG:
		return renderImage(c.canvas, format)
	}
	return exportData(c.model.Snapshot(), format)
}

// RenderExport renders d without a live session, laying it out on a
// headless canvas for the image formats.
func RenderExport(d diagram.Data, format ExportFormat) ([]byte, error) {
	switch format {
	case FormatSVG, FormatPNG:
		h := canvas.NewHeadless()
		if err := h.Configure(canvas.DefaultTemplates()); err != nil {
			return nil, fmt.Errorf("configure canvas: %w", err)
		}
		canvas.RenderData(h, d)
		return renderImage(h, format)
	}
	return exportData(d, format)
}

func renderImage(cv canvas.Canvas, format ExportFormat) ([]byte, error) {
	if format == FormatSVG {
		svg, err := cv.MakeSVG()
		if err != nil {
			return nil, fmt.Errorf("export svg: %w", err)
		}
		return []byte(svg), nil
	}

	img, err := cv.MakeImage()
	if err != nil {
		return nil, fmt.Errorf("export png: %w", err)
	}
	return img, nil
}

func exportData(d diagram.Data, format ExportFormat) ([]byte, error) {
	switch format {
	case FormatJSON:
		return diagram.MarshalIndent(d)
	case FormatCode:
		return []byte(codegen.GenerateEntities(d.Entities, d.Relationships)), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
}

// ContentType is the media type of an export in format.
func (f ExportFormat) ContentType() string {
	switch f {
	case FormatSVG:
		return "image/svg+xml"
	case FormatPNG:
		return "image/png"
	case FormatJSON:
		return "application/json"
	}
	return "text/plain; charset=utf-8"
}
