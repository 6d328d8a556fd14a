package main

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/spf13/cobra"

	"github.com/boxeval/box-eval/internal/bus"
	"github.com/boxeval/box-eval/internal/coco"
	"github.com/boxeval/box-eval/internal/config"
	"github.com/boxeval/box-eval/internal/evaluator"
	"github.com/boxeval/box-eval/internal/gather"
	"github.com/boxeval/box-eval/internal/history"
	"github.com/boxeval/box-eval/internal/pkg/logger"
)

func workerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Evaluate one rank's image partition of a distributed run",
		Long: `Evaluate this process's share of the images and join the gather
collective: every worker exchanges its match records with the others, so all
of them print identical global metrics.

Images are partitioned round-robin by rank. Every worker needs the same
annotation file, its own detections file, and a reachable event bus.`,
		RunE: runWorker,
	}

	cmd.Flags().StringP("annotations", "a", "", "COCO annotation file (overrides config)")
	cmd.Flags().StringP("detections", "d", "", "detections JSON file (required)")
	cmd.Flags().Int("rank", -1, "this worker's rank (overrides config)")
	cmd.Flags().Int("world", 0, "total number of workers (overrides config)")
	cmd.Flags().Bool("per-category", false, "print per-category AP breakdown")
	_ = cmd.MarkFlagRequired("detections")

	return cmd
}

func runWorker(cmd *cobra.Command, _ []string) error {
	cfg, log, err := loadConfigAndLogger(cmd)
	if err != nil {
		return err
	}

	if path, _ := cmd.Flags().GetString("annotations"); path != "" {
		cfg.Annotations = path
	}
	if cfg.Annotations == "" {
		return fmt.Errorf("annotations path is required (flag or config)")
	}
	if rank, _ := cmd.Flags().GetInt("rank"); rank >= 0 {
		cfg.Gather.Rank = rank
	}
	if world, _ := cmd.Flags().GetInt("world"); world > 0 {
		cfg.Gather.WorldSize = world
	}
	perCategory, _ := cmd.Flags().GetBool("per-category")
	detPath, _ := cmd.Flags().GetString("detections")

	log = log.WithRank(cfg.Gather.Rank)

	g, cleanup, err := buildGather(cfg, log)
	if err != nil {
		return err
	}
	defer cleanup()

	gt, err := coco.NewStore(cfg.Annotations)
	if err != nil {
		return err
	}
	dets, err := readDetections(detPath)
	if err != nil {
		return err
	}

	// Round-robin image partition; detections outside this rank's share are
	// dropped so overlapping files stay harmless.
	partition := partitionImages(gt.ImgIDs(), cfg.Gather.Rank, cfg.Gather.WorldSize)
	dets = filterDetections(dets, partition)
	log.Info("worker partition",
		"images", len(partition), "detections", len(dets), "world", cfg.Gather.WorldSize)

	ev, err := evaluator.New(gt, evaluator.Options{
		IoUType: cfg.Eval.IoUType,
		MaxDets: cfg.Eval.MaxDets,
		Workers: cfg.Eval.Workers,
		Gather:  g,
		Logger:  log,
	})
	if err != nil {
		return err
	}
	defer ev.Close()

	ctx := context.Background()
	if len(partition) > 0 {
		if err := ev.UpdateDetections(ctx, partition, dets); err != nil {
			return err
		}
	}

	results, err := ev.Compute(ctx)
	if err != nil {
		return err
	}
	printResults(results)

	if perCategory || cfg.Eval.PerCategory {
		perCat, err := ev.PerCategory(nil)
		if err != nil {
			return err
		}
		printResults(perCat)
	}

	// Rank 0 owns history persistence so each run is recorded once.
	if cfg.Gather.Rank == 0 && cfg.History.Enabled {
		if err := persistHistory(ctx, cfg, results); err != nil {
			log.Warn("saving metric history failed", "error", err)
		}
	}

	return nil
}

// buildGather creates the configured gather collective. The returned cleanup
// closes the underlying bus when one was created.
func buildGather(cfg *config.Config, log *logger.Logger) (gather.Gather, func(), error) {
	noop := func() {}

	switch cfg.Gather.Type {
	case "none":
		return gather.NewNoop(), noop, nil

	case "memory":
		// The in-process group needs all participants in one address space;
		// a standalone worker cannot join one.
		return nil, noop, fmt.Errorf("gather type %q is only available in-process; use 'bus' for workers", cfg.Gather.Type)

	case "bus":
		busCfg := cfg.Bus
		if busCfg.Type == "kafka" {
			// Every rank needs its own consumer group so each of them sees
			// every shard.
			group := busCfg.KafkaGroup
			if group == "" {
				group = "box-eval"
			}
			busCfg.KafkaGroup = fmt.Sprintf("%s-rank-%d", group, cfg.Gather.Rank)
		}
		b, err := bus.NewBus(busCfg)
		if err != nil {
			return nil, noop, err
		}

		g, err := gather.NewBusGather(b, cfg.Gather.Topic, cfg.Gather.Rank, cfg.Gather.WorldSize,
			time.Duration(cfg.Gather.TimeoutS)*time.Second, log)
		if err != nil {
			b.Close()
			return nil, noop, err
		}
		return g, func() { _ = b.Close() }, nil

	default:
		return nil, noop, fmt.Errorf("unknown gather type: %s", cfg.Gather.Type)
	}
}

func partitionImages(imgIDs []int64, rank, world int) []int64 {
	var out []int64
	for i, id := range imgIDs {
		if i%world == rank {
			out = append(out, id)
		}
	}
	return out
}

func filterDetections(dets []coco.Detection, imgIDs []int64) []coco.Detection {
	keep := make(map[int64]struct{}, len(imgIDs))
	for _, id := range imgIDs {
		keep[id] = struct{}{}
	}
	var out []coco.Detection
	for _, det := range dets {
		if _, ok := keep[det.ImageID]; ok {
			out = append(out, det)
		}
	}
	return out
}

func persistHistory(ctx context.Context, cfg *config.Config, results map[string]float64) error {
	store, err := history.NewRedisStore(cfg.History.RedisURL, time.Duration(cfg.History.TTLHours)*time.Hour)
	if err != nil {
		return err
	}
	defer store.Close()

	finite := make(map[string]float64, len(results))
	for name, v := range results {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			finite[name] = v
		}
	}
	return store.SaveAll(ctx, finite, time.Now())
}
