package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/wakala/paysettle/internal/ach"
	"github.com/wakala/paysettle/internal/api"
	"github.com/wakala/paysettle/internal/calendar"
	"github.com/wakala/paysettle/internal/config"
	"github.com/wakala/paysettle/internal/correction"
	"github.com/wakala/paysettle/internal/ingestion"
	"github.com/wakala/paysettle/internal/recovery"
	"github.com/wakala/paysettle/internal/repository"
	"github.com/wakala/paysettle/internal/settlement"
	"github.com/wakala/paysettle/internal/taxsvc"
	"github.com/wakala/paysettle/internal/vault"
	"github.com/wakala/paysettle/internal/verification"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	cal := calendar.New()
	if cfg.HolidaysPath != "" {
		if err := cal.LoadFile(cfg.HolidaysPath); err != nil {
			log.Fatalf("Failed to load holidays: %v", err)
		}
		log.Printf("[config] loaded extra holidays from %s", cfg.HolidaysPath)
	}

	v, err := vault.New(cfg.VaultKey)
	if err != nil {
		log.Fatalf("Failed to init account vault: %v", err)
	}

	var tax taxsvc.Service
	if cfg.TaxServiceURL != "" {
		tax = taxsvc.NewHTTPClient(cfg.TaxServiceURL, cfg.TaxServiceTimeout, cfg.TaxServiceRetries)
		log.Printf("[tax] using tax service at %s", cfg.TaxServiceURL)
	} else {
		tax = taxsvc.NewFlatRate()
		log.Printf("[tax] TAX_SERVICE_URL not set, using flat-rate estimator")
	}

	log.Printf("Initializing database at %s", cfg.DBPath)
	db, err := repository.InitDB(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to init DB: %v", err)
	}
	defer db.Close()
	store := repository.NewStore(db)

	// Create services.
	builder := ach.NewBuilder(store, cal, cfg.MaxBatchEntries, cfg.Originator.ODFIRouting)
	renderer := ach.NewRenderer(store, v, cfg.Originator)
	planner := recovery.NewPlanner(cfg.RecoveryCapPercent, cfg.PayPeriodDays, cal)
	corrections := correction.NewService(store, tax, planner, builder)
	accounts := verification.NewService(store, v, builder, cfg.MaxConfirmAttempts, cfg.PrenoteWaitDays)
	settle := settlement.NewService(store, builder, accounts, corrections, cfg.MaxRepresentments)
	payroll := ingestion.NewService(store)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Seed payroll runs if DB is empty.
	if err := seedPayroll(ctx, payroll, cfg.SeedPath); err != nil {
		log.Printf("[seed] WARNING: failed to seed payroll runs: %v", err)
	}

	go accounts.RunSweeper(ctx, cfg.PrenoteSweepEvery)

	router := api.NewRouter(api.Services{
		Corrections: corrections,
		Builder:     builder,
		Renderer:    renderer,
		Accounts:    accounts,
		Settlement:  settle,
		Payroll:     payroll,
	}, cfg.CORSAllowedOrigins)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("Shutdown: %v", err)
		}
	}()

	log.Printf("Payroll Correction Settlement Service")
	log.Printf("Listening on http://localhost:%s", cfg.Port)
	log.Printf("API base: http://localhost:%s/api/v1", cfg.Port)
	log.Printf("Prenote sweep every %s, batches capped at %d entries", cfg.PrenoteSweepEvery, cfg.MaxBatchEntries)

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("Server failed: %v", err)
	}
	log.Printf("Server stopped")
}

func seedPayroll(ctx context.Context, svc *ingestion.Service, path string) error {
	if path == "" {
		return nil
	}
	// Try the configured path, then relative to the executable.
	candidates := []string{path}
	if exe, err := os.Executable(); err == nil && !filepath.IsAbs(path) {
		dir := filepath.Dir(exe)
		candidates = append(candidates,
			filepath.Join(dir, path),
			filepath.Join(dir, "..", "..", path),
		)
	}

	var data []byte
	var loadErr error
	for _, p := range candidates {
		data, loadErr = os.ReadFile(p)
		if loadErr == nil {
			log.Printf("[seed] found payroll runs at %s", p)
			break
		}
	}
	if loadErr != nil {
		return fmt.Errorf("could not find %s in any candidate path: %w", path, loadErr)
	}

	loaded, err := svc.SeedIfEmpty(ctx, data, ingestion.FormatJSON)
	if err != nil {
		return err
	}
	if !loaded {
		log.Printf("[seed] payroll source already populated, skipping seed")
	}
	return nil
}
