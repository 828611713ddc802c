package commands

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/paulmach/orb/geojson"
	"github.com/spf13/cobra"

	"github.com/leapstack-labs/tmutil/internal/cli/output"
	"github.com/leapstack-labs/tmutil/internal/geo"
	"github.com/leapstack-labs/tmutil/internal/table"
)

// GeoOptions holds options for the geo subcommands.
type GeoOptions struct {
	Zones   string
	TAZProp string
	Blocks  string
	TAZData string
	Columns []string
	Out     string
}

// NewGeoCommand creates the geo command group.
func NewGeoCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "geo",
		Short: "Spatial helpers for TAZ polygons",
		Long: `Build block to TAZ crosswalks from block internal points and TAZ polygons,
and export TAZ data joined onto the polygons as GeoJSON.`,
	}
	cmd.AddCommand(newGeoCrosswalkCommand(), newGeoExportCommand())
	return cmd
}

func addZoneFlags(cmd *cobra.Command, opts *GeoOptions) {
	cmd.Flags().StringVar(&opts.Zones, "zones", "", "TAZ polygons as a GeoJSON feature collection")
	cmd.Flags().StringVar(&opts.TAZProp, "taz-prop", "TAZ", "Feature property holding the TAZ number")
	cmd.Flags().StringVar(&opts.Out, "out", "", "Output file")
	_ = cmd.MarkFlagRequired("zones")
	_ = cmd.MarkFlagRequired("out")
}

func newGeoCrosswalkCommand() *cobra.Command {
	opts := &GeoOptions{}
	cmd := &cobra.Command{
		Use:   "crosswalk",
		Short: "Assign blocks to TAZs by point in polygon",
		Example: `  tmutil geo crosswalk --blocks tabblock2020_06.csv --zones tazs.geojson --taz-prop TAZ1454 --out block_taz.csv`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runGeoCrosswalk(cmd, opts)
		},
	}
	addZoneFlags(cmd, opts)
	cmd.Flags().StringVar(&opts.Blocks, "blocks", "", "CSV of block GEOIDs with internal point coordinates")
	_ = cmd.MarkFlagRequired("blocks")
	return cmd
}

func runGeoCrosswalk(cmd *cobra.Command, opts *GeoOptions) error {
	cmdCtx, err := NewCommandContextWithoutStore(cmd)
	if err != nil {
		return err
	}

	zones, _, err := readZones(opts.Zones, opts.TAZProp)
	if err != nil {
		return err
	}
	f, err := os.Open(opts.Blocks) //nolint:gosec // user supplied input file
	if err != nil {
		return err
	}
	points, err := geo.ReadBlockPoints(f)
	_ = f.Close()
	if err != nil {
		return fmt.Errorf("%s: %w", opts.Blocks, err)
	}

	xw, unmatched := geo.BuildCrosswalk(points, zones)
	cmdCtx.Logger.Debug("crosswalk built", "blocks", len(points), "zones", len(zones), "unmatched", len(unmatched))
	if err := writeFile(opts.Out, xw.WriteCSV); err != nil {
		return err
	}

	r := cmdCtx.Renderer
	if r.EffectiveMode() == output.ModeJSON {
		if unmatched == nil {
			unmatched = []string{}
		}
		return r.JSON(map[string]any{"path": opts.Out, "blocks": xw.Len(), "zones": len(xw.TAZs()), "unmatched": unmatched})
	}
	r.Success(fmt.Sprintf("Assigned %s blocks to %s zones", r.Int(int64(xw.Len())), r.Int(int64(len(xw.TAZs())))))
	r.KeyValue("Path", opts.Out)
	if len(unmatched) > 0 {
		r.Warning(fmt.Sprintf("%d blocks fall outside every zone", len(unmatched)))
	}
	return nil
}

func newGeoExportCommand() *cobra.Command {
	opts := &GeoOptions{}
	cmd := &cobra.Command{
		Use:     "export",
		Short:   "Join TAZ data onto polygons and write GeoJSON",
		Example: `  tmutil geo export --zones tazs.geojson --taz-data taz_output/taz_data.csv --columns TOTHH,TOTEMP --out taz_data.geojson`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runGeoExport(cmd, opts)
		},
	}
	addZoneFlags(cmd, opts)
	cmd.Flags().StringVar(&opts.TAZData, "taz-data", "", "TAZ data CSV (default: the taz build output)")
	cmd.Flags().StringSliceVar(&opts.Columns, "columns", nil, "Columns to join (default: all)")
	return cmd
}

func runGeoExport(cmd *cobra.Command, opts *GeoOptions) error {
	cmdCtx, err := NewCommandContextWithoutStore(cmd)
	if err != nil {
		return err
	}

	dataPath := opts.TAZData
	if dataPath == "" {
		tc := cmdCtx.Cfg.TAZ.WithDefaults()
		dataPath = filepath.Join(tc.OutputDir, tc.TAZDataFile)
	}
	f, err := os.Open(dataPath) //nolint:gosec // user supplied input file
	if err != nil {
		return err
	}
	data, err := table.ReadCSV(f, table.ReadOptions{KeyColumn: "TAZ", Columns: opts.Columns})
	_ = f.Close()
	if err != nil {
		return fmt.Errorf("%s: %w", dataPath, err)
	}

	_, fc, err := readZones(opts.Zones, opts.TAZProp)
	if err != nil {
		return err
	}
	err = writeFile(opts.Out, func(w io.Writer) error {
		return geo.ExportGeoJSON(w, fc, opts.TAZProp, data, opts.Columns)
	})
	if err != nil {
		return err
	}

	r := cmdCtx.Renderer
	if r.EffectiveMode() == output.ModeJSON {
		return r.JSON(map[string]any{"path": opts.Out, "features": len(fc.Features)})
	}
	r.Success(fmt.Sprintf("Wrote %s features to %s", r.Int(int64(len(fc.Features))), opts.Out))
	return nil
}

func readZones(path, prop string) ([]geo.Zone, *geojson.FeatureCollection, error) {
	f, err := os.Open(path) //nolint:gosec // user supplied input file
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = f.Close() }()
	zones, fc, err := geo.ReadZones(f, prop)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	if len(zones) == 0 {
		return nil, nil, errors.New(path + ": no zones")
	}
	return zones, fc, nil
}

// writeFile creates path and its directory, calls write and closes the file.
func writeFile(path string, write func(io.Writer) error) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	f, err := os.Create(path) //nolint:gosec // user supplied output file
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	return write(f)
}
