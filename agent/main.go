package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/klog/v2"
	"k8s.io/klog/v2/klogr"

	"github.com/namix-io/sync-engine/pkg/config"
	"github.com/namix-io/sync-engine/pkg/diff"
	"github.com/namix-io/sync-engine/pkg/engine"
	"github.com/namix-io/sync-engine/pkg/platform"
	"github.com/namix-io/sync-engine/pkg/platform/kube"
	"github.com/namix-io/sync-engine/pkg/platform/memory"
	"github.com/namix-io/sync-engine/pkg/render"
	"github.com/namix-io/sync-engine/pkg/rollout/prometheus"
	"github.com/namix-io/sync-engine/pkg/server"
	"github.com/namix-io/sync-engine/pkg/source"
	"github.com/namix-io/sync-engine/pkg/store"
	"github.com/namix-io/sync-engine/pkg/utils/errors"
	"github.com/namix-io/sync-engine/pkg/utils/tracing"
)

const tracerName = "github.com/namix-io/sync-engine"

func main() {
	log := klogr.New()
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newCommand(log).ExecuteContext(ctx); err != nil {
		cancel()
		errors.Fatal(log, errors.ExitCode(err), err)
	}
}

func flagName(key string) string {
	return strings.ReplaceAll(key, "_", "-")
}

func newCommand(log logr.Logger) *cobra.Command {
	var configFile string
	v := config.NewViper()
	cmd := &cobra.Command{
		Use:          "sync-engine",
		Short:        "Reconciles declared units from tracked sources onto the platform",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := config.Load(v, configFile)
			if err != nil {
				return errors.WithExitCode(err, errors.ErrorInvalidConfig)
			}
			return run(cmd.Context(), settings, log)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&configFile, "config", "", "Settings file, values may be overridden with "+config.EnvPrefix+"_* environment variables")
	flags.Int(flagName(config.KeyWorkers), v.GetInt(config.KeyWorkers), "Number of units reconciled concurrently")
	flags.Duration(flagName(config.KeyDriftInterval), v.GetDuration(config.KeyDriftInterval), "Interval between drift checks")
	flags.Duration(flagName(config.KeyHealthPollInterval), v.GetDuration(config.KeyHealthPollInterval), "Interval between health check polls")
	flags.Int(flagName(config.KeyHistoryLimit), v.GetInt(config.KeyHistoryLimit), "Runs kept per unit")
	flags.Duration(flagName(config.KeyWaveTimeout), v.GetDuration(config.KeyWaveTimeout), "Maximum time a wave may take to become healthy")
	flags.String(flagName(config.KeyDataDir), v.GetString(config.KeyDataDir), "Directory of the state store, state is kept in memory when empty")
	flags.String(flagName(config.KeyListenAddress), v.GetString(config.KeyListenAddress), "Address of the API server")
	flags.String(flagName(config.KeyPlatform), v.GetString(config.KeyPlatform), "Target platform: memory or kubernetes")
	flags.String(flagName(config.KeyKubeconfig), v.GetString(config.KeyKubeconfig), "Path to a kubeconfig, in-cluster configuration is used when empty")
	flags.String(flagName(config.KeyPrometheusAddress), v.GetString(config.KeyPrometheusAddress), "Prometheus address queried by rollout analysis")
	flags.String(flagName(config.KeyDeclarations), v.GetString(config.KeyDeclarations), "File declaring sources and units")
	flags.String(flagName(config.KeyRenderer), v.GetString(config.KeyRenderer), "Renderer of unit paths: yaml or kustomize")
	flags.Bool(flagName(config.KeyNormalizeKnownTypes), v.GetBool(config.KeyNormalizeKnownTypes), "Normalize built-in types before comparing declared and live state")
	for _, key := range config.Keys {
		if err := v.BindPFlag(key, flags.Lookup(flagName(key))); err != nil {
			panic(err)
		}
	}

	klogFlags := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(klogFlags)
	flags.AddGoFlagSet(klogFlags)
	return cmd
}

func run(ctx context.Context, settings *config.Settings, log logr.Logger) error {
	decls, err := config.LoadDeclarations(settings.Declarations)
	if err != nil {
		return errors.WithExitCode(err, errors.ErrorInvalidConfig)
	}
	p, err := newPlatform(settings, log)
	if err != nil {
		return errors.WithExitCode(err, errors.ErrorConnectionFailure)
	}
	normalizer := diff.GetNoopNormalizer()
	if settings.NormalizeKnownTypes {
		if normalizer, err = diff.GetDefaultNormalizer(nil); err != nil {
			return err
		}
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())))
	otel.SetTracerProvider(tp)
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			log.Error(err, "Failed to shut down tracer provider")
		}
	}()

	opts := []engine.Option{
		engine.WithLogger(log),
		engine.WithTracer(tracing.NewOpenTelemetryTracer(otel.Tracer(tracerName))),
		engine.WithCredentials(decls.CredentialsProvider()),
		engine.WithNormalizer(normalizer),
		engine.WithWorkers(settings.Workers),
		engine.WithDriftInterval(settings.DriftInterval),
		engine.WithHealthPollInterval(settings.HealthPollInterval),
		engine.WithHistoryLimit(settings.HistoryLimit),
		engine.WithWaveTimeout(settings.WaveTimeout),
	}
	if settings.DataDir != "" {
		s, err := store.NewBoltStore(settings.DataDir, store.WithHistoryLimit(settings.HistoryLimit))
		if err != nil {
			return errors.WithExitCode(err, errors.ErrorStorage)
		}
		defer func() {
			if err := s.Close(); err != nil {
				log.Error(err, "Failed to close state store")
			}
		}()
		opts = append(opts, engine.WithStore(s))
	}
	if settings.PrometheusAddress != "" {
		provider, err := prometheus.NewProvider(settings.PrometheusAddress, prometheus.WithLogger(log))
		if err != nil {
			return errors.WithExitCode(err, errors.ErrorInvalidConfig)
		}
		opts = append(opts, engine.WithMetricsProvider(provider))
	}

	fetcher := &source.RoutingFetcher{Local: source.NewDirectoryFetcher(), Remote: source.NewGitFetcher(log)}
	e := engine.NewEngine(p, fetcher, newExpander(settings.Renderer), opts...)
	if err := e.SetConfig(ctx, decls.Sources, decls.Units); err != nil {
		return errors.WithExitCode(err, errors.ErrorInvalidConfig)
	}
	stop, err := e.Run(ctx)
	if err != nil {
		return err
	}
	defer stop()
	log.Info("Engine started", "sources", len(decls.Sources), "units", len(decls.Units), "platform", settings.Platform)

	// credentials are read once, changed credentials need a restart
	config.WatchDeclarations(settings.Declarations, log, func(decls *config.Declarations) {
		if ctx.Err() != nil {
			return
		}
		if err := e.SetConfig(ctx, decls.Sources, decls.Units); err != nil {
			log.Error(err, "Failed to apply changed declarations")
		}
	})

	serverConfig := server.DefaultConfig()
	serverConfig.Address = settings.ListenAddress
	return server.NewServer(e, serverConfig, server.WithLogger(log)).Start(ctx)
}

func newPlatform(settings *config.Settings, log logr.Logger) (platform.Interface, error) {
	if settings.Platform == config.PlatformMemory {
		return memory.NewPlatform(), nil
	}
	restConfig, err := clientcmd.BuildConfigFromFlags("", settings.Kubeconfig)
	if err != nil {
		return nil, err
	}
	return kube.NewForConfig(restConfig, log)
}

func newExpander(renderer string) render.Expander {
	if renderer == config.RendererKustomize {
		return render.NewKustomizeExpander()
	}
	return render.NewYAMLExpander()
}
