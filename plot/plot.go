// Package plot renders cleaned records as an interactive HTML line chart.
// Strain gauges share the left axis; thermistors use a secondary right axis.
package plot

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/google/renameio/v2"
	"go.uber.org/zap"

	"gaugewatch/device"
	"gaugewatch/record"
)

const (
	Title           = "Remote resistor readings"
	PositionAxis    = "Position (mm)"
	TemperatureAxis = "Temperature (°C)"
)

// Series is one cleaned record ready to draw.
type Series struct {
	Device   device.Device
	Readings []record.Reading
}

// Load reads the cleaned record of every device in catalog. Devices that have
// no cleaned record yet are returned in missing instead of failing the load.
func Load(dataDir string, catalog device.Catalog) (series []Series, missing []device.Device, err error) {
	series = make([]Series, 0, len(catalog))
	for _, d := range catalog {
		readings, err := record.ReadAll(record.Path(dataDir, d, record.Cleaned))
		if errors.Is(err, fs.ErrNotExist) {
			missing = append(missing, d)
			continue
		}
		if err != nil {
			return nil, nil, fmt.Errorf("load %s: %w", d.Label(), err)
		}
		series = append(series, Series{Device: d, Readings: readings})
	}
	return series, missing, nil
}

// Chart builds the line chart for series.
func Chart(series []Series) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: Title}),
		charts.WithTooltipOpts(opts.Tooltip{Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Top: "30px"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Time", Type: "time"}),
		charts.WithYAxisOpts(opts.YAxis{Name: PositionAxis, Type: "value"}),
	)
	line.ExtendYAxis(opts.YAxis{Name: TemperatureAxis, Type: "value"})

	for _, s := range series {
		data := make([]opts.LineData, 0, len(s.Readings))
		for _, r := range s.Readings {
			data = append(data, opts.LineData{Value: []any{record.FormatTime(r.Time), r.Value}})
		}
		axis := 0
		if s.Device.Type == device.Thermistor {
			axis = 1
		}
		line.AddSeries(s.Device.Label(), data, charts.WithLineChartOpts(opts.LineChart{YAxisIndex: axis}))
	}
	return line
}

// Write renders series as HTML to w.
func Write(w io.Writer, series []Series) error {
	return Chart(series).Render(w)
}

// HTML renders the cleaned records of a catalog into a single file.
type HTML struct {
	DataDir string
	Path    string
	Log     *zap.Logger
}

// Render loads every cleaned record and atomically replaces the chart file.
func (h *HTML) Render(catalog device.Catalog) error {
	series, missing, err := Load(h.DataDir, catalog)
	if err != nil {
		return err
	}
	for _, d := range missing {
		if h.Log != nil {
			h.Log.Warn("no cleaned record, left out of the chart", zap.String("device", d.Label()))
		}
	}
	if err := os.MkdirAll(filepath.Dir(h.Path), 0o755); err != nil {
		return fmt.Errorf("create plot dir: %w", err)
	}
	pf, err := renameio.NewPendingFile(h.Path, renameio.WithPermissions(0o644))
	if err != nil {
		return fmt.Errorf("open pending plot: %w", err)
	}
	defer pf.Cleanup()

	if err := Write(pf, series); err != nil {
		return fmt.Errorf("render plot: %w", err)
	}
	if err := pf.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("replace plot: %w", err)
	}
	return nil
}
