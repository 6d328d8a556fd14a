package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/boxeval/box-eval/internal/coco"
	"github.com/boxeval/box-eval/internal/config"
	"github.com/boxeval/box-eval/internal/evaluator"
	"github.com/boxeval/box-eval/internal/pkg/logger"
)

func evaluateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate a detections file against COCO ground truth",
		Long: `Evaluate a JSON detections file against a COCO-format annotation file
and print the AP/AR summary metrics.

The detections file holds an array of records:
  [{"image_id": 42, "category_id": 3, "bbox": [x, y, w, h], "score": 0.9}, ...]`,
		RunE: runEvaluate,
	}

	cmd.Flags().StringP("annotations", "a", "", "COCO annotation file (overrides config)")
	cmd.Flags().StringP("detections", "d", "", "detections JSON file (required)")
	cmd.Flags().Bool("per-category", false, "print per-category AP breakdown")
	_ = cmd.MarkFlagRequired("detections")

	return cmd
}

func runEvaluate(cmd *cobra.Command, _ []string) error {
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
	perCategory, _ := cmd.Flags().GetBool("per-category")
	detPath, _ := cmd.Flags().GetString("detections")

	gt, err := coco.NewStore(cfg.Annotations)
	if err != nil {
		return err
	}
	dets, err := readDetections(detPath)
	if err != nil {
		return err
	}
	log.Info("loaded evaluation inputs",
		"images", len(gt.ImgIDs()), "categories", len(gt.CatIDs()), "detections", len(dets))

	ev, err := evaluator.New(gt, evaluator.Options{
		IoUType: cfg.Eval.IoUType,
		MaxDets: cfg.Eval.MaxDets,
		Workers: cfg.Eval.Workers,
		Logger:  log,
	})
	if err != nil {
		return err
	}
	defer ev.Close()

	ctx := context.Background()
	if err := ev.UpdateDetections(ctx, gt.ImgIDs(), dets); err != nil {
		return err
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

	return nil
}

// readDetections parses a JSON array of detection records.
func readDetections(path string) ([]coco.Detection, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading detections file: %w", err)
	}
	var dets []coco.Detection
	if err := json.Unmarshal(data, &dets); err != nil {
		return nil, fmt.Errorf("parsing detections file: %w", err)
	}
	return dets, nil
}

// printResults prints metrics in stable name order.
func printResults(results map[string]float64) {
	names := make([]string, 0, len(results))
	for name := range results {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("%-12s %8.3f\n", name, results[name])
	}
}

// loadConfigAndLogger builds the shared config and logger from global flags.
func loadConfigAndLogger(cmd *cobra.Command) (*config.Config, *logger.Logger, error) {
	configPath, _ := cmd.Flags().GetString("config")
	verbose, _ := cmd.Flags().GetBool("verbose")

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}

	level := cfg.Log.Level
	if verbose {
		level = "debug"
	}
	return cfg, logger.New(level, cfg.Log.Format), nil
}
