package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	CopperCore "github.com/luke12122003/coppercore-ai"
	"github.com/luke12122003/coppercore-ai/internal/catalog"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/net/netutil"
)

// datasetType 命令行类型标签，空时按扩展名判断
func datasetType(flag, path string) (CopperCore.DatasetType, error) {
	if flag != "" {
		return CopperCore.ParseDatasetType(flag)
	}
	return CopperCore.DetectDatasetType(path)
}

var validateCmd = &cobra.Command{
	Use:   "validate [path]",
	Short: "Check a dataset and print its type, CRS and bands/geometry types",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		info, err := CopperCore.ValidateDataset(args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "type:  %s\n", info.Type)
		fmt.Fprintf(out, "crs:   %s\n", CopperCore.CRSLabel(info.CRS))
		if info.Type == CopperCore.DatasetRaster {
			fmt.Fprintf(out, "size:  %dx%d\n", info.Width, info.Height)
			fmt.Fprintf(out, "bands: %d\n", info.BandCount)
		} else {
			fmt.Fprintf(out, "geometry types: %s\n", strings.Join(info.GeometryTypes, ", "))
		}
		return nil
	},
}

var (
	harmonizeType string
	harmonizeCRS  string
)

var harmonizeCmd = &cobra.Command{
	Use:   "harmonize [path]",
	Short: "Reproject a raster or vector dataset in place to the target CRS",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dtype, err := datasetType(harmonizeType, args[0])
		if err != nil {
			return err
		}
		crs := harmonizeCRS
		if crs == "" {
			crs = cfg.TargetCRS
		}
		return printResult(cmd, CopperCore.Harmonize(args[0], dtype, crs))
	},
}

var (
	resampleReference string
	resampleDryRun    bool
)

var resampleCmd = &cobra.Command{
	Use:   "resample [path]",
	Short: "Resample a raster in place to the reference raster's resolution",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref := resampleReference
		if ref == "" {
			ref = cfg.ReferenceRaster
		}
		if ref == "" {
			return fmt.Errorf("no reference raster (use --reference or reference_raster in config)")
		}
		if !resampleDryRun {
			return printResult(cmd, CopperCore.Resample(args[0], ref))
		}

		info, err := CopperCore.GetResampleInfo(args[0], ref)
		if err != nil {
			return err
		}
		grid, err := CopperCore.OpenRasterGrid(args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "original: %dx%d (%.6g, %.6g)\n", info.OriginalWidth, info.OriginalHeight, info.OriginalResX, info.OriginalResY)
		fmt.Fprintf(out, "target:   %dx%d (%.6g, %.6g)\n", info.TargetWidth, info.TargetHeight, info.TargetResX, info.TargetResY)
		fmt.Fprintf(out, "bands:    %d\n", info.BandCount)
		fmt.Fprintf(out, "size:     %.1f MB\n", float64(info.EstimateResampleSize(grid.DataType))/(1<<20))
		if !info.CRSMatches {
			fmt.Fprintln(out, "warning: CRS differs from reference")
		}
		return nil
	},
}

var (
	proximityPixelSize float64
	proximityOutDir    string
)

var proximityCmd = &cobra.Command{
	Use:   "proximity [path]",
	Short: "Rasterize vector geometry and write a distance-to-feature raster",
	Long: `Burns every geometry of the vector layer into a grid and writes the
Euclidean distance to the nearest burned pixel as <base>_proximity.tif.
The vector source is deleted after the raster is in place.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r := CopperCore.ComputeProximity(args[0],
			CopperCore.WithPixelSize(proximityPixelSize),
			CopperCore.WithOutputDir(proximityOutDir))
		return printResult(cmd, r)
	},
}

var (
	prepareType string
	prepareID   string
)

var prepareCmd = &cobra.Command{
	Use:   "prepare [path]",
	Short: "Harmonize, then resample (raster) or compute proximity (vector)",
	Long: `Runs the full preprocessing of one dataset. With --id the dataset is taken
from the catalog and its status is recorded there.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var rec CopperCore.StatusRecorder
		var job CopperCore.Job
		if prepareID != "" {
			cat, err := openCatalog()
			if err != nil {
				return err
			}
			defer cat.Close()
			d, err := cat.Dataset(cmd.Context(), prepareID)
			if err != nil {
				return err
			}
			rec, job = cat, d.Job()
		} else {
			if len(args) == 0 {
				return fmt.Errorf("path or --id required")
			}
			dtype, err := datasetType(prepareType, args[0])
			if err != nil {
				return err
			}
			job = CopperCore.Job{Path: args[0], Type: dtype}
		}
		return printResult(cmd, CopperCore.NewPipeline(cfg, rec).Prepare(cmd.Context(), job))
	},
}

var batchCmd = &cobra.Command{
	Use:   "batch [path...]",
	Short: "Prepare several independent datasets concurrently",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		jobs := make([]CopperCore.Job, len(args))
		for i, p := range args {
			jobs[i] = CopperCore.Job{Path: p}
		}
		results, err := CopperCore.NewPipeline(cfg, nil).RunBatch(cmd.Context(), jobs, nil)

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "JOB\tPATH\tSTATUS\tMESSAGE")
		failed := 0
		for i, r := range results {
			if !r.OK() {
				failed++
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", jobs[i].ID, jobs[i].Path, r.Status, r.Message)
		}
		tw.Flush()
		if err != nil {
			return err
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d datasets failed", failed, len(results))
		}
		return nil
	},
}

var (
	predictOut     string
	predictModel   string
	predictMBTiles bool
	predictProject string
	predictIDs     []string
)

var predictCmd = &cobra.Command{
	Use:   "predict [raster...]",
	Short: "Run tiled CNN inference over aligned rasters",
	Long: `Tiles the rasters into patches, scores them with the model served by
TensorFlow Serving and writes predictions.csv, probability_map.tif,
prediction_map.png, the web overlay and the probability histogram.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		modelPath := predictModel
		if modelPath == "" {
			modelPath = cfg.Model.Path
		}
		model, err := CopperCore.LoadModelWithBackend(ctx, modelPath, CopperCore.ServingConfigFromModel(cfg.Model))
		if err != nil {
			return err
		}
		var opts []CopperCore.PredictOption
		if predictMBTiles {
			opts = append(opts, CopperCore.WithMBTiles(nil))
		}

		var cat *catalog.Catalog
		var run *catalog.ModelRun
		if catalogPath != "" {
			if cat, err = openCatalog(); err != nil {
				return err
			}
			defer cat.Close()
			p, err := cat.EnsureProject(ctx, predictProject, cfg.TargetCRS)
			if err != nil {
				return err
			}
			if run, err = cat.StartRun(ctx, p.ID, cfg.Model.Name, predictIDs, predictOut); err != nil {
				return err
			}
		}

		r := CopperCore.PredictResult(ctx, model, args, predictOut, opts...)
		if run != nil {
			if err := cat.FinishRun(ctx, run.ID, r); err != nil {
				logger.Warn("record run failed", zap.String("run", run.ID), zap.Error(err))
			}
		}
		return printResult(cmd, r)
	},
}

var registerProject string

var registerCmd = &cobra.Command{
	Use:   "register [path]",
	Short: "Register a dataset in the catalog",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cat, err := openCatalog()
		if err != nil {
			return err
		}
		defer cat.Close()
		p, err := cat.EnsureProject(cmd.Context(), registerProject, cfg.TargetCRS)
		if err != nil {
			return err
		}
		d, err := cat.RegisterDataset(cmd.Context(), p.ID, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", d.ID, d.Type, d.Status)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status [dataset-id]",
	Short: "Show a dataset's processing status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cat, err := openCatalog()
		if err != nil {
			return err
		}
		defer cat.Close()
		d, err := cat.Dataset(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "dataset: %s (%s)\n", d.Name, d.ID)
		fmt.Fprintf(out, "project: %s\n", d.Project.Name)
		fmt.Fprintf(out, "type:    %s\n", d.Type)
		fmt.Fprintf(out, "file:    %s\n", d.File)
		fmt.Fprintf(out, "status:  %s\n", d.Status)
		if d.TaskMessage != "" {
			fmt.Fprintf(out, "message: %s\n", d.TaskMessage)
		}
		return nil
	},
}

var (
	serveAddr string
	servePool int
)

var serveCmd = &cobra.Command{
	Use:   "serve [probability_map.tif]",
	Short: "Serve XYZ tiles of a probability map over HTTP",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if servePool < 1 {
			return fmt.Errorf("--pool must be at least 1, got %d", servePool)
		}
		ts, err := CopperCore.NewTileServer(args[0], &CopperCore.TileServerOptions{
			PoolSize: servePool,
			Format:   cfg.MBTiles.Format,
		})
		if err != nil {
			return err
		}
		defer ts.Close()

		ln, err := net.Listen("tcp", serveAddr)
		if err != nil {
			return err
		}
		// 连接数与数据集池匹配，多余请求在accept处排队
		ln = netutil.LimitListener(ln, ts.PoolSize()*4)

		srv := &http.Server{Handler: ts.Handler(), ReadHeaderTimeout: 10 * time.Second}
		errCh := make(chan error, 1)
		go func() { errCh <- srv.Serve(ln) }()
		logger.Info("tile server listening", zap.String("addr", serveAddr), zap.String("raster", args[0]))

		select {
		case err := <-errCh:
			return err
		case <-cmd.Context().Done():
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8080", "Listen address")
	serveCmd.Flags().IntVar(&servePool, "pool", 4, "Number of pooled datasets")

	harmonizeCmd.Flags().StringVarP(&harmonizeType, "type", "t", "", "Dataset type: raster or vector (default: by extension)")
	harmonizeCmd.Flags().StringVar(&harmonizeCRS, "crs", "", "Target CRS (default: target_crs from config)")

	resampleCmd.Flags().StringVarP(&resampleReference, "reference", "r", "", "Reference raster (default: reference_raster from config)")
	resampleCmd.Flags().BoolVar(&resampleDryRun, "dry-run", false, "Print the target grid without modifying the file")

	proximityCmd.Flags().Float64Var(&proximityPixelSize, "pixel-size", 0, "Output pixel size in CRS units (default: proximity.pixel_size from config)")
	proximityCmd.Flags().StringVarP(&proximityOutDir, "out-dir", "o", "", "Output directory (default: next to the source)")

	prepareCmd.Flags().StringVarP(&prepareType, "type", "t", "", "Dataset type: raster or vector (default: by extension)")
	prepareCmd.Flags().StringVar(&prepareID, "id", "", "Catalog dataset ID")

	predictCmd.Flags().StringVarP(&predictOut, "out", "o", "results", "Output directory")
	predictCmd.Flags().StringVarP(&predictModel, "model", "m", "", "Model file (.keras or config .json; default: model.path from config)")
	predictCmd.Flags().BoolVar(&predictMBTiles, "mbtiles", false, "Also write probability_map.mbtiles")
	predictCmd.Flags().StringVar(&predictProject, "project", "default", "Catalog project for the run record")
	predictCmd.Flags().StringSliceVar(&predictIDs, "dataset-id", nil, "Catalog dataset IDs of the inputs")

	registerCmd.Flags().StringVarP(&registerProject, "project", "p", "default", "Project name")
}
