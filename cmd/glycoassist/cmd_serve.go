// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"

	"github.com/AleutianAI/glycoassist/pkg/logging"
	"github.com/AleutianAI/glycoassist/services/assistant/agent"
	"github.com/AleutianAI/glycoassist/services/assistant/audit"
	"github.com/AleutianAI/glycoassist/services/assistant/devices"
	"github.com/AleutianAI/glycoassist/services/assistant/experiment"
	"github.com/AleutianAI/glycoassist/services/assistant/handlers"
	"github.com/AleutianAI/glycoassist/services/assistant/knowledge"
	"github.com/AleutianAI/glycoassist/services/assistant/personal"
	"github.com/AleutianAI/glycoassist/services/assistant/personalization"
	"github.com/AleutianAI/glycoassist/services/assistant/prompt"
	"github.com/AleutianAI/glycoassist/services/assistant/retrieval"
	"github.com/AleutianAI/glycoassist/services/assistant/routing"
	"github.com/AleutianAI/glycoassist/services/assistant/safety"
	"github.com/AleutianAI/glycoassist/services/assistant/session"
	"github.com/AleutianAI/glycoassist/services/assistant/telemetry"
	"github.com/AleutianAI/glycoassist/services/assistant/units"
	"github.com/AleutianAI/glycoassist/services/llm"
)

var (
	flagListen       string
	flagWeaviateHost string
	flagManualsDir   string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the assistant HTTP/websocket service",
	RunE: func(cmd *cobra.Command, args []string) error {
		deps, cleanup, err := buildDeps(cmd.Context())
		if err != nil {
			return err
		}
		defer cleanup()

		server := handlers.NewServer(deps.agent, deps.personal, deps.devices, deps.staleness)
		engine := gin.New()
		engine.Use(gin.Recovery())
		server.Routes(engine)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		if deps.devices != nil {
			go func() {
				if err := deps.devices.Watch(ctx); err != nil {
					deps.logger.Warn("Manuals watcher stopped", "error", err)
				}
			}()
		}

		deps.logger.Info("Assistant listening", "addr", flagListen)
		errCh := make(chan error, 1)
		go func() { errCh <- engine.Run(flagListen) }()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
			deps.logger.Info("Shutting down")
			return nil
		}
	},
}

func init() {
	serveCmd.Flags().StringVar(&flagListen, "listen", ":8080", "listen address")
	serveCmd.Flags().StringVar(&flagWeaviateHost, "weaviate-host", "localhost:8081", "weaviate host:port")
	serveCmd.Flags().StringVar(&flagManualsDir, "manuals-dir", "manuals", "directory of uploaded device manual PDFs")
}

// deps bundles the wired pipeline for the commands.
type deps struct {
	agent     *agent.UnifiedAgent
	personal  *personalization.Manager
	devices   *devices.Registry
	staleness *knowledge.Monitor
	logger    *logging.Logger
	units     units.UnitConfig
}

// buildDeps wires the full pipeline from the loaded config and env. The
// returned cleanup closes stores and flushes audit writers.
func buildDeps(ctx context.Context) (*deps, func(), error) {
	cfg := loadedConfig
	env := loadedEnv

	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.Logging.Level),
		LogDir:  cfg.Logging.Dir,
		Service: "glycoassist",
	})

	unit, err := units.ParseUnit(env.GlucoseUnit)
	if err != nil {
		return nil, nil, fmt.Errorf("GLUCOSE_UNIT: %w", err)
	}

	wclient, err := weaviate.NewClient(weaviate.Config{Host: flagWeaviateHost, Scheme: "http"})
	if err != nil {
		return nil, nil, fmt.Errorf("weaviate client: %w", err)
	}
	store, err := knowledge.NewWeaviateStore(wclient)
	if err != nil {
		return nil, nil, err
	}
	if err := store.EnsureSchema(ctx); err != nil {
		// A fresh deployment without weaviate up still serves; retrieval
		// degrades to empty until the store appears.
		logger.Warn("Cannot ensure knowledge schema", "error", err)
	}

	sink, err := audit.NewSink(cfg.DataDir)
	if err != nil {
		return nil, nil, fmt.Errorf("opening audit sink: %w", err)
	}

	sessions, err := session.NewStore(filepath.Join(cfg.DataDir, "sessions"))
	if err != nil {
		sink.Close()
		return nil, nil, fmt.Errorf("opening session store: %w", err)
	}

	baseLLM, err := llm.NewOpenAIClient(env.LLMProvider)
	if err != nil {
		sink.Close()
		return nil, nil, err
	}
	metrics := telemetry.Default()
	retrying := llm.NewRetryingClient(baseLLM, llm.RetryConfig{
		MaxAttempts:       env.MaxRetries,
		BaseDelay:         env.RetryBaseDelay,
		PerAttemptTimeout: 60 * time.Second,
		OnRetry:           metrics.LLMRetries.Inc,
	})

	personalMgr := personalization.NewManager(cfg.DataDir, personalization.Config{
		DeviceBoost:  cfg.Personalization.DevicePriorityBoost,
		MaxBoost:     cfg.Personalization.MaxBoost,
		LearningRate: cfg.Personalization.LearningRate,
		DecayFactor:  cfg.Personalization.DecayFactor,
	})

	registry := devices.NewRegistry(flagManualsDir, store)
	if err := registry.Rescan(ctx); err != nil {
		logger.Warn("Initial device scan failed", "error", err)
	}

	var experiments *experiment.Manager
	if cfg.Experimentation.Enabled {
		dir := cfg.Experimentation.StorageDir
		if dir == "" {
			dir = filepath.Join(cfg.DataDir, "experiments")
		}
		experiments, err = experiment.NewManager(dir)
		if err != nil {
			sink.Close()
			return nil, nil, err
		}
	}

	var emergency *safety.EmergencyDetector
	if cfg.EmergencyDetection.Enabled {
		emergency = safety.NewEmergencyDetector(
			safety.SeverityThresholds{
				Critical: cfg.EmergencyDetection.SeverityThresholds.Critical,
				High:     cfg.EmergencyDetection.SeverityThresholds.High,
				Medium:   cfg.EmergencyDetection.SeverityThresholds.Medium,
			},
			safety.Templates{
				Critical: cfg.EmergencyDetection.ResponseTemplates.Critical,
				High:     cfg.EmergencyDetection.ResponseTemplates.High,
				Medium:   cfg.EmergencyDetection.ResponseTemplates.Medium,
			},
			sink,
		)
	}

	auditor := safety.NewAuditor(
		safety.NewTierClassifier(retrying),
		safety.NewHallucinationDetector(sink),
	)

	unified, err := agent.NewUnifiedAgent(agent.Options{
		LLM:       retrying,
		Router:    routing.NewRouter(retrying),
		Retrieval: retrieval.NewCoordinator(store, personalMgr),
		Quality: retrieval.NewQualityAssessor(retrieval.QualityThresholds{
			MinChunks:     cfg.RAGQuality.MinChunks,
			MinConfidence: cfg.RAGQuality.MinConfidence,
			MinSources:    cfg.RAGQuality.MinSources,
		}),
		Prompts:     prompt.NewBuilder(),
		Auditor:     auditor,
		Emergency:   emergency,
		Sessions:    sessions,
		Experiments: experiments,
		Personal:    personal.NewFileLoader(filepath.Join(cfg.DataDir, "personal_summary.md")),
		Devices:     registry,
		Sink:        sink,
		Metrics:     metrics,
		Parametric: agent.ParametricSettings{
			MaxRatio:        cfg.ParametricUsage.MaxRatio,
			ConfidenceScore: cfg.ParametricUsage.ConfidenceScore,
		},
		EnhancedCheckThreshold: cfg.Safety.EnhancedCheckThreshold,
		Units:                  units.UnitConfig{Unit: unit},
	})
	if err != nil {
		sink.Close()
		return nil, nil, err
	}

	staleness := knowledge.NewMonitor(store,
		cfg.KnowledgeMonitoring.StalenessThresholdDays,
		cfg.KnowledgeMonitoring.CriticalThresholdDays)

	cleanup := func() {
		sink.Close()
		if experiments != nil {
			experiments.Close()
		}
		logger.Close()
	}

	return &deps{
		agent:     unified,
		personal:  personalMgr,
		devices:   registry,
		staleness: staleness,
		logger:    logger,
		units:     units.UnitConfig{Unit: unit},
	}, cleanup, nil
}
