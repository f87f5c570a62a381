package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"roadseg/internal/config"
	"roadseg/internal/dataset"
	"roadseg/internal/export"
	"roadseg/internal/model"
	"roadseg/internal/trainer"
)

type segmenter interface {
	model.Model
	model.Predictor
}

func main() {
	cfgPath := flag.String("config", "", "Path to YAML config (defaults to the KITTI layout under ./data)")
	dataDir := flag.String("data-dir", "", "Override data directory")
	runsDir := flag.String("runs-dir", "", "Override runs directory")
	seed := flag.Int64("seed", 0, "PRNG seed")
	baseline := flag.Bool("baseline", false, "Train the per-pixel baseline instead of the FCN")

	flag.Parse()

	cfg := config.Default()
	if *cfgPath != "" {
		loaded, err := config.Load(*cfgPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
		cfg = loaded
	}

	cfg.ApplyOverrides(config.Overrides{
		DataDir: *dataDir,
		RunsDir: *runsDir,
		Seed:    *seed,
	})

	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	hp := config.DefaultHyperparams
	shape := dataset.Shape{Height: cfg.ImageHeight, Width: cfg.ImageWidth}
	runID := uuid.New()
	log.Printf("run=%s data=%s epochs=%d batch_size=%d keep_prob=%.2f learning_rate=%g",
		runID, cfg.DataDir, hp.Epochs, hp.BatchSize, hp.KeepProb, hp.LearningRate)

	pairs, err := dataset.DiscoverPairs(cfg.TrainingDir())
	if err != nil {
		log.Fatalf("training data: %v", err)
	}
	testImages, err := dataset.DiscoverImages(cfg.TestingDir())
	if err != nil {
		log.Fatalf("testing data: %v", err)
	}
	log.Printf("run=%s training_pairs=%d testing_images=%d", runID, len(pairs), len(testImages))

	var seg segmenter
	if *baseline {
		seg = model.NewPixelSoftmax(shape, config.NumClasses, hp.LearningRate, cfg.Seed)
	} else {
		fcn, err := model.NewFCN(cfg.BackboneDir(), shape, hp, cfg.Seed)
		if err != nil {
			log.Fatalf("build model: %v", err)
		}
		defer fcn.Close()
		seg = fcn
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tr, err := trainer.New(seg, dataset.NewGenerator(pairs, shape, cfg.Seed), hp)
	if err != nil {
		log.Fatalf("trainer: %v", err)
	}
	if _, err := tr.Run(ctx); err != nil {
		log.Fatalf("training failed: %v", err)
	}

	outDir, err := export.Run(seg, testImages, shape, cfg.RunsDir, time.Now())
	if err != nil {
		log.Fatalf("export failed: %v", err)
	}
	if err := tr.History().Plot(outDir + "_loss.png"); err != nil {
		log.Printf("run=%s loss plot: %v", runID, err)
	}
	log.Printf("run=%s done output=%s", runID, outDir)
}
