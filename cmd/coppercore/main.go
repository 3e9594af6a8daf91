package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	CopperCore "github.com/luke12122003/coppercore-ai"
	"github.com/luke12122003/coppercore-ai/internal/catalog"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	// Global flags
	configPath  string
	verbose     bool
	catalogPath string

	cfg    CopperCore.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "coppercore",
	Short: "CopperCore - geospatial prospectivity processing",
	Long: `coppercore harmonizes raster and vector datasets into a common CRS and grid,
derives proximity rasters from vector geometry, and runs tiled CNN inference
that rebuilds a probability surface from patch predictions.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		logger, err = CopperCore.NewLogger(verbose)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		CopperCore.SetLogger(logger)

		cfg, err = loadConfig(configPath)
		if err != nil {
			return err
		}
		CopperCore.MainConfig = cfg
		if catalogPath == "" {
			catalogPath = cfg.Catalog.Path
		}
		CopperCore.InitializeGDAL()
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// loadConfig 显式路径必须存在；默认路径不存在时使用内置默认值
func loadConfig(path string) (CopperCore.Config, error) {
	if path != "" {
		return CopperCore.LoadConfig(path)
	}
	def, err := CopperCore.DefaultConfigPath()
	if err != nil {
		return CopperCore.DefaultConfig(), nil
	}
	if _, err := os.Stat(def); errors.Is(err, fs.ErrNotExist) {
		return CopperCore.DefaultConfig(), nil
	}
	return CopperCore.LoadConfig(def)
}

// openCatalog 需要 --catalog 或配置 catalog.path
func openCatalog() (*catalog.Catalog, error) {
	if catalogPath == "" {
		return nil, fmt.Errorf("catalog path not set (use --catalog or catalog.path in config)")
	}
	return catalog.Open(catalogPath)
}

// printResult 成功时输出消息，失败时返回错误以设置退出码
func printResult(cmd *cobra.Command, r CopperCore.Result) error {
	if !r.OK() {
		return errors.New(r.Message)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", r.Status, r.Message)
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: user config dir CopperCore/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVar(&catalogPath, "catalog", "", "Dataset catalog database (sqlite)")

	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(harmonizeCmd)
	rootCmd.AddCommand(resampleCmd)
	rootCmd.AddCommand(proximityCmd)
	rootCmd.AddCommand(prepareCmd)
	rootCmd.AddCommand(batchCmd)
	rootCmd.AddCommand(predictCmd)
	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(serveCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
