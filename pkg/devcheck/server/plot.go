package server

import (
	"bytes"
	"fmt"
	"image/color"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/probelab/devcheck/pkg/capture/mic"
	"github.com/probelab/devcheck/pkg/dsp/spectrum"
	"github.com/probelab/devcheck/pkg/util"
)

// labelStride thins the x axis: one tick per labelStride bands.
const labelStride = 4

var barColor = color.RGBA{R: 0x30, G: 0xc0, B: 0x60, A: 0xff}

// spectrumPNG renders the band set as a dark-background bar chart.
func spectrumPNG(snap mic.BandsSnapshot, centers []float64) ([]byte, error) {
	p := darkPlot()
	p.Title.Text = fmt.Sprintf("Microphone spectrum  (%s, frame %d)",
		util.FormatHz(float64(snap.SampleRate)), snap.Frame)
	p.Y.Label.Text = "Level"
	p.Y.Min = 0
	p.Y.Max = spectrum.BandMax

	bars, err := plotter.NewBarChart(plotter.Values(snap.Bands), vg.Points(12))
	if err != nil {
		return nil, fmt.Errorf("building bar chart: %w", err)
	}
	bars.Color = barColor
	bars.LineStyle.Width = 0

	p.Add(plotter.NewGrid(), bars)

	labels := make([]string, len(snap.Bands))
	for i := range labels {
		if i%labelStride == 0 && i < len(centers) {
			labels[i] = util.FormatHz(centers[i])
		}
	}
	p.NominalX(labels...)

	w, err := p.WriterTo(8*vg.Inch, 4*vg.Inch, "png")
	if err != nil {
		return nil, fmt.Errorf("rendering spectrum: %w", err)
	}
	var buf bytes.Buffer
	if _, err := w.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func darkPlot() *plot.Plot {
	p := plot.New()
	p.BackgroundColor = color.Black
	p.Title.TextStyle.Color = color.White
	p.X.Label.TextStyle.Color = color.White
	p.Y.Label.TextStyle.Color = color.White
	p.X.Color = color.White
	p.Y.Color = color.White
	p.X.Tick.Color = color.White
	p.Y.Tick.Color = color.White
	p.X.Tick.Label.Color = color.White
	p.Y.Tick.Label.Color = color.White
	p.Legend.TextStyle.Color = color.White
	return p
}
