package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/vk/forecastgrid/internal/ctxlog"
	"github.com/vk/forecastgrid/internal/jobspec"
	"github.com/vk/forecastgrid/internal/platform"
	"github.com/vk/forecastgrid/internal/profile"
)

// App encapsulates the application's dependencies, configuration, and
// lifecycle: one App runs one forecasting job end to end.
type App struct {
	outW       io.Writer
	logger     *slog.Logger
	config     *Config
	profile    *profile.Profile
	spec       *jobspec.Spec
	client     *platform.Client
	httpServer *http.Server // health check server, nil unless enabled
}

// NewApp is the constructor for the main application. Failing to load the
// profile or the job spec is a fatal startup error and panics; main recovers
// and turns it into a clean exit.
func NewApp(outW io.Writer, config *Config) *App {
	logger := newLogger(config.LogLevel, config.LogFormat, outW)
	ctx := ctxlog.WithLogger(context.Background(), logger)
	logger.Debug("Logger configured successfully.")

	prof, err := profile.Load(config.ProfilePath)
	if err != nil {
		panic(fmt.Errorf("failed to load platform profile: %w", err))
	}
	logger.Debug("Platform profile loaded.", "endpoint", prof.API.Endpoint)

	spec, err := jobspec.Load(ctx, config.JobPath)
	if err != nil {
		panic(fmt.Errorf("failed to load job spec: %w", err))
	}

	if config.Experiment == "" {
		config.Experiment = spec.Dataset.Name
	}
	if config.OutputDir != "" {
		spec.Evaluation.OutputDir = config.OutputDir
	}

	client := platform.New(prof.API.Endpoint, prof.API.Token,
		time.Duration(prof.API.TimeoutSeconds)*time.Second)

	return &App{
		outW:    outW,
		logger:  logger,
		config:  config,
		profile: prof,
		spec:    spec,
		client:  client,
	}
}

// Spec returns the loaded job spec. This is primarily for testing.
func (a *App) Spec() *jobspec.Spec {
	return a.spec
}

// Client returns the platform client. This is primarily for testing.
func (a *App) Client() *platform.Client {
	return a.client
}
