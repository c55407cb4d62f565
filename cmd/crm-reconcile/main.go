package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"maklerportal_backend/internal/reconciliation"
	"maklerportal_backend/internal/reconciliation/service"
	"maklerportal_backend/platform/config"
	"maklerportal_backend/platform/db"
	"maklerportal_backend/platform/logger"
	"maklerportal_backend/platform/validator"

	"github.com/google/uuid"
)

// One-shot reconciliation pass for operators: runs once against the live
// config and prints the summary. Use -lead or -property to scope the pass.
func main() {
	leadFlag := flag.String("lead", "", "reconcile a single lead by id")
	propertyFlag := flag.String("property", "", "reconcile all leads of one property reference")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	log := logger.New(cfg.Env)
	log.Info("starting reconciliation pass")

	ctx := context.Background()

	pool, err := db.NewPool(ctx, cfg)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		panic("failed to connect to database: " + err.Error())
	}
	defer pool.Close()

	module, err := reconciliation.NewModule(pool, cfg, log, validator.New())
	if err != nil {
		log.Error("failed to initialize reconciliation module", "error", err)
		panic("failed to initialize reconciliation module: " + err.Error())
	}

	var opts service.RunOptions
	if *leadFlag != "" {
		id, err := uuid.Parse(*leadFlag)
		if err != nil {
			fmt.Fprintln(os.Stderr, "-lead must be a UUID")
			os.Exit(2)
		}
		opts.LeadID = &id
	}
	if *propertyFlag != "" {
		opts.PropertyRef = propertyFlag
	}

	summary, err := module.Service().Run(ctx, opts)
	if err != nil {
		log.Error("reconciliation pass failed", "error", err)
		os.Exit(1)
	}

	out, _ := json.MarshalIndent(summary, "", "  ")
	fmt.Println(string(out))

	if summary.Status == service.StatusPartial {
		os.Exit(3)
	}
}
