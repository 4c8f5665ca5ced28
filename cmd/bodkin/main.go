package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-bodkin/internal/adapters"
	"github.com/23skdu/longbow-bodkin/internal/checkpoint"
	"github.com/23skdu/longbow-bodkin/internal/config"
	"github.com/23skdu/longbow-bodkin/internal/device"
	"github.com/23skdu/longbow-bodkin/internal/flightstore"
	"github.com/23skdu/longbow-bodkin/internal/kernels"
	"github.com/23skdu/longbow-bodkin/internal/logger"
	"github.com/23skdu/longbow-bodkin/internal/metrics"
	"github.com/23skdu/longbow-bodkin/internal/model"
)

var (
	configPath  string
	logLevel    string
	logFormat   string
	metricsAddr string

	fromFlight string
	flightAddr string
)

func main() {
	root := &cobra.Command{
		Use:           "bodkin",
		Short:         "Adapter weight tooling for the serving layer",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to a bodkin config file (.yaml/.json)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug|info|warn|error (overrides config)")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format: console|json (overrides config)")
	root.PersistentFlags().StringVar(&metricsAddr, "metrics", "", "Address to serve Prometheus metrics, empty disables")

	inspect := &cobra.Command{
		Use:   "inspect [checkpoint-dir]",
		Short: "Load an adapter against a model geometry and report coverage",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runInspect,
	}
	inspect.Flags().StringVar(&fromFlight, "from-flight", "", "Fetch tensors for this adapter id from the weight store instead of disk")
	inspect.Flags().StringVar(&flightAddr, "flight-addr", "", "Arrow Flight endpoint of the weight store (overrides config)")
	root.AddCommand(inspect)

	if err := root.Execute(); err != nil {
		logger.Log.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func loadConfig() (config.Config, error) {
	cfg := config.Default()
	if configPath != "" {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return cfg, err
		}
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if logFormat != "" {
		cfg.LogFormat = logFormat
	}
	return cfg, nil
}

func runInspect(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger.Setup(cfg.LogLevel, cfg.LogFormat)

	if metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			logger.Log.Info("metrics serving", "addr", metricsAddr)
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				logger.Log.Error("metrics server error", "error", err)
			}
		}()
	}

	if len(args) == 0 && fromFlight == "" {
		return fmt.Errorf("need a checkpoint dir or --from-flight adapter id")
	}

	var dir string
	if len(args) > 0 {
		dir = args[0]
	}

	tensors, rec, err := loadAdapter(cmd.Context(), cfg, dir)
	if err != nil {
		return err
	}

	loraCfg := rec.ToLoraConfig()
	logger.Log.Info("adapter config",
		"base_model", loraCfg.BaseModelName,
		"rank", loraCfg.Rank,
		"alpha", loraCfg.Alpha,
		"rslora", loraCfg.UseRSLoRA,
		"target_modules", loraCfg.TargetModules)

	modules := cfg.LayerModules
	if len(modules) == 0 {
		modules = model.DefaultModules()
	}
	m := model.NewStaticModel(cfg.NumLayers, cfg.WorldSize, modules)

	moduleNames := allModuleNames(m, modules)
	moduleMap, _ := loraCfg.MapWeightsForModel(tensors, moduleNames)

	unused := make(map[string]struct{}, len(tensors))
	for name := range tensors {
		unused[name] = struct{}{}
	}

	scale := adapters.ScalingFactor(loraCfg.Alpha, loraCfg.Rank, loraCfg.UseRSLoRA)
	logger.Log.Info("scaling", "factor", scale,
		"padded_rank", kernels.PaddedRank(loraCfg.Rank, cfg.WorldSize),
		"world_size", cfg.WorldSize)

	layerTypes := make([]string, 0, len(modules))
	for lt := range modules {
		layerTypes = append(layerTypes, lt)
	}
	sort.Strings(layerTypes)

	covered := 0
	for _, lt := range layerTypes {
		w, err := adapters.LoadLoraWeights(loraCfg, m, moduleMap, lt, unused)
		if err != nil {
			return fmt.Errorf("layer type %q: %w", lt, err)
		}
		if w == nil {
			logger.Log.Debug("layer type not covered", "layer_type", lt)
			continue
		}
		covered++
		logger.Log.Info("layer type loaded",
			"layer_type", lt,
			"rank", w.RankA(),
			"layers", w.WeightsA().Size(0),
			"cutlass_shrink", w.UseCutlassShrink(),
			"a_bytes", 4*w.WeightsA().NumElements(),
			"b_bytes", 4*w.WeightsB().NumElements())
	}

	if covered == 0 {
		logger.Log.Warn("adapter covers no layer type of this model")
	}
	if len(unused) > 0 {
		metrics.RecordUnusedWeights(len(unused))
		names := make([]string, 0, len(unused))
		for name := range unused {
			names = append(names, name)
		}
		sort.Strings(names)
		logger.Log.Warn("unused adapter weights", "count", len(unused), "names", names)
	}

	logger.Log.Info("inspect complete",
		"layer_types_covered", covered,
		"tensors", len(tensors),
		"unused", len(unused))
	return nil
}

// loadAdapter reads the adapter from disk, from the weight store, or both:
// with --from-flight the config still comes from the checkpoint dir when one
// is given, falling back to a synthetic record otherwise.
func loadAdapter(ctx context.Context, cfg config.Config, dir string) (map[string]*device.Tensor, *checkpoint.Record, error) {
	var tensors map[string]*device.Tensor
	var err error

	if fromFlight != "" {
		addr := flightAddr
		if addr == "" {
			addr = cfg.FlightAddr
		}
		if addr == "" {
			return nil, nil, fmt.Errorf("--from-flight needs a weight store address (--flight-addr or config)")
		}
		client := flightstore.NewClient(addr)
		if err := client.Connect(ctx); err != nil {
			return nil, nil, err
		}
		defer client.Close()
		tensors, err = client.FetchAdapter(ctx, fromFlight)
	} else {
		tensors, err = checkpoint.LoadTensors(dir)
	}
	if err != nil {
		return nil, nil, err
	}

	if dir != "" {
		rec, err := checkpoint.LoadConfig(dir)
		if err != nil {
			return nil, nil, err
		}
		return tensors, rec, nil
	}

	// remote-only inspect: infer rank from an A matrix, stored [rank, hidden]
	rec := &checkpoint.Record{LoraAlpha: 16, PeftType: "LORA"}
	for name, t := range tensors {
		if strings.Contains(name, ".lora_A.") && len(t.Dims()) == 2 {
			rec.R = t.Size(0)
			rec.TargetModules = append(rec.TargetModules, name)
			break
		}
	}
	if err := rec.Validate(); err != nil {
		return nil, nil, fmt.Errorf("cannot infer adapter config from stream: %w", err)
	}
	return tensors, rec, nil
}

// allModuleNames expands every registered layer type across the model's
// layers into concrete module names.
func allModuleNames(m model.Model, modules map[string]string) []string {
	var names []string
	for lt := range modules {
		for _, id := range m.LayerIDs(lt) {
			if name, ok := m.TargetLayer(id, lt); ok {
				names = append(names, name)
			}
		}
	}
	sort.Strings(names)
	return names
}
