package main

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ehr/psi/internal/config"
	"github.com/ehr/psi/internal/domain/codeset"
	"github.com/ehr/psi/internal/domain/evaluation"
	"github.com/ehr/psi/internal/domain/indicator"
)

// loadDefinitions returns the embedded definitions for INDICATOR_VERSION,
// with any definition in INDICATOR_DIR replacing the embedded one of the
// same id.
func loadDefinitions(cfg *config.Config) ([]*indicator.Definition, error) {
	var defs []*indicator.Definition
	if cfg.IndicatorVersion != "" {
		embedded, err := indicator.LoadEmbedded(cfg.IndicatorVersion)
		if err != nil && cfg.IndicatorDir == "" {
			return nil, fmt.Errorf("%w (available: %v)", err, indicator.Versions())
		}
		defs = embedded
	}
	if cfg.IndicatorDir == "" {
		return defs, nil
	}
	overrides, err := indicator.LoadDir(cfg.IndicatorDir)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]int, len(defs))
	for i, d := range defs {
		byID[d.ID] = i
	}
	for _, d := range overrides {
		if i, ok := byID[d.ID]; ok {
			defs[i] = d
			continue
		}
		defs = append(defs, d)
	}
	return defs, nil
}

func loadRegistry(cfg *config.Config) (*codeset.Registry, error) {
	reg, err := codeset.Load(cfg.CodeSetPath, cfg.CodeSetVersion)
	if err != nil {
		return nil, fmt.Errorf("load code sets: %w", err)
	}
	return reg, nil
}

// buildEngine loads code sets and definitions and compiles the catalog. Any
// failure here is fatal: no record is evaluated against a partial catalog.
func buildEngine(cfg *config.Config, log zerolog.Logger) (*evaluation.Engine, error) {
	reg, err := loadRegistry(cfg)
	if err != nil {
		return nil, err
	}
	defs, err := loadDefinitions(cfg)
	if err != nil {
		return nil, err
	}
	catalog, err := indicator.NewCatalog(cfg.IndicatorVersion, defs, reg)
	if err != nil {
		return nil, fmt.Errorf("compile indicators: %w", err)
	}
	strata, err := cfg.Strata()
	if err != nil {
		return nil, err
	}
	log.Info().Int("code_sets", len(reg.Names())).Int("indicators", len(defs)).
		Str("codeset_version", reg.Version()).Str("indicator_version", catalog.Version()).
		Msg("engine ready")
	return evaluation.NewEngine(reg, catalog, evaluation.Options{
		Workers:         cfg.Workers,
		Strata:          strata,
		DefaultFacility: cfg.DefaultFacility,
	}, log), nil
}
