package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/pflag"
	zaplogfmt "github.com/sykesm/zap-logfmt"
	"github.com/thecodeteam/goodbye"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/repo-helper/helperbot/internal/bot"
	"github.com/repo-helper/helperbot/internal/cfg"
	"github.com/repo-helper/helperbot/internal/generator"
	"github.com/repo-helper/helperbot/internal/githubclt"
	"github.com/repo-helper/helperbot/internal/gitw"
	"github.com/repo-helper/helperbot/internal/httpd"
	"github.com/repo-helper/helperbot/internal/ledger"
	"github.com/repo-helper/helperbot/internal/logfields"
	"github.com/repo-helper/helperbot/internal/provider/github"
	"github.com/repo-helper/helperbot/internal/updater"
)

const appName = "helperbot"

var logger *zap.Logger

// Version is set via a ldflag on compilation
var Version = "unknown"

func exitOnErr(msg string, err error) {
	if err == nil {
		return
	}

	fmt.Fprintln(os.Stderr, "ERROR:", msg+", error:", err.Error())
	os.Exit(1)
}

func panicHandler() {
	if r := recover(); r != nil {
		logger.Info(
			"panic caught, terminating gracefully",
			zap.String("panic", fmt.Sprintf("%v", r)),
			zap.StackSkip("stacktrace", 1),
		)

		ctx, cancelFn := context.WithTimeout(context.Background(), time.Minute)
		defer cancelFn()

		goodbye.Exit(ctx, 1)
	}
}

func startHTTPSServer(listenAddr string, certFile, keyFile string, handler http.Handler) {
	httpsServer := http.Server{
		Addr:    listenAddr,
		Handler: handler,
	}

	goodbye.Register(func(context.Context, os.Signal) {
		const shutdownTimeout = 30 * time.Second
		ctx, cancelFn := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelFn()

		logger.Debug(
			"terminating https server",
			logfields.Event("https_server_terminating"),
			zap.Duration("shutdown_timeout", shutdownTimeout),
		)

		err := httpsServer.Shutdown(ctx)
		if err != nil {
			logger.Warn(
				"shutting down https server failed",
				logfields.Event("https_server_termination_failed"),
				zap.Error(err),
			)
		}
	})

	go func() {
		defer panicHandler()

		logger.Info(
			"https server started",
			logfields.Event("https_server_started"),
			zap.String("listenAddr", listenAddr),
		)

		err := httpsServer.ListenAndServeTLS(certFile, keyFile)
		if errors.Is(err, http.ErrServerClosed) {
			logger.Info("https server terminated", logfields.Event("https_server_terminated"))
			return
		}

		logger.Fatal(
			"https server terminated unexpectedly",
			logfields.Event("https_server_terminated_unexpectedly"),
			zap.Error(err),
		)
	}()
}

func startHTTPServer(listenAddr string, handler http.Handler) {
	httpServer := http.Server{
		Addr:    listenAddr,
		Handler: handler,
	}

	goodbye.Register(func(context.Context, os.Signal) {
		const shutdownTimeout = 30 * time.Second
		ctx, cancelFn := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelFn()

		logger.Debug(
			"terminating http server",
			logfields.Event("http_server_terminating"),
			zap.Duration("shutdown_timeout", shutdownTimeout),
		)

		err := httpServer.Shutdown(ctx)
		if err != nil {
			logger.Warn(
				"shutting down http server failed",
				logfields.Event("http_server_termination_failed"),
				zap.Error(err),
			)
		}
	})

	go func() {
		defer panicHandler()

		logger.Info(
			"http server started",
			logfields.Event("http_server_started"),
			zap.String("listenAddr", listenAddr),
		)

		err := httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			logger.Info("http server terminated", logfields.Event("http_server_terminated"))
			return
		}

		logger.Fatal(
			"http server terminated unexpectedly",
			logfields.Event("http_server_terminated_unexpectedly"),
			zap.Error(err),
		)
	}()
}

type arguments struct {
	Verbose     *bool
	ConfigFile  *string
	ShowVersion *bool
}

var args arguments

const defConfigFile = "/etc/helperbot/config.toml"

func mustParseCommandlineParams() {
	args = arguments{
		Verbose: pflag.BoolP(
			"verbose",
			"v",
			false,
			"enable verbose logging",
		),
		ConfigFile: pflag.StringP(
			"cfg-file",
			"c",
			defConfigFile,
			"path to the helperbot configuration file",
		),
		ShowVersion: pflag.Bool(
			"version",
			false,
			"print the version and exit",
		),
	}

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [OPTION]\nKeep repository configuration files up to date via pull requests.\n", appName)
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		pflag.PrintDefaults()
	}

	pflag.Parse()
}

func mustParseCfg() *cfg.Config {
	// we use exitOnErr in this function instead of logger.Fatal() because
	// the logger is not initialized yet

	file, err := os.Open(*args.ConfigFile)
	exitOnErr("could not open configuration file", err)
	defer file.Close()

	config, err := cfg.Load(file)
	if err != nil {
		exitOnErr(fmt.Sprintf("could not load configuration file: %s", *args.ConfigFile), err)
	}

	return config
}

func initLogFmtLogger(config *cfg.Config, logLevel zapcore.Level) *zap.Logger {
	cfg := zapEncoderConfig(config)

	logger := zap.New(zapcore.NewCore(
		zaplogfmt.NewEncoder(cfg),
		os.Stdout,
		logLevel),
	)

	return logger
}

func zapEncoderConfig(config *cfg.Config) zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()

	cfg.LevelKey = "loglevel"
	cfg.TimeKey = config.LogTimeKey
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeDuration = zapcore.StringDurationEncoder

	return cfg
}

func mustInitZapFormatLogger(config *cfg.Config, logLevel zapcore.Level) *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.Sampling = nil
	cfg.EncoderConfig = zapEncoderConfig(config)
	cfg.OutputPaths = []string{"stdout"}
	cfg.Encoding = config.LogFormat
	cfg.Level = zap.NewAtomicLevelAt(logLevel)

	logger, err := cfg.Build()
	exitOnErr("could not initialize logger", err)

	return logger
}

func mustInitLogger(config *cfg.Config) {
	var logLevel zapcore.Level
	if *args.Verbose {
		logLevel = zapcore.DebugLevel
	} else {
		if err := (&logLevel).Set(config.LogLevel); err != nil {
			fmt.Fprintf(os.Stderr, "can not set log level to %q: %s\n", config.LogLevel, err)
			os.Exit(2)
		}
	}

	switch config.LogFormat {
	case "logfmt":
		logger = initLogFmtLogger(config, logLevel)
	case "console", "json":
		logger = mustInitZapFormatLogger(config, logLevel)
	default:
		fmt.Fprintf(os.Stderr, "unsupported log-format argument: %q\n", config.LogFormat)
		os.Exit(2)
	}

	logger = logger.Named("main")
	zap.ReplaceGlobals(logger)

	goodbye.Register(func(context.Context, os.Signal) {
		if err := logger.Sync(); err != nil {
			fmt.Fprintf(os.Stderr, "flushing logs failed: %s\n", err)
		}
	})
}

func hide(in string) string {
	if in == "" {
		return in
	}

	return "**hidden**"
}

// updaterGithubApp adapts githubclt.Client to the interface of the updater
// package.
type updaterGithubApp struct {
	clt *githubclt.Client
}

func (a *updaterGithubApp) ListInstallations(ctx context.Context) ([]int64, error) {
	return a.clt.ListInstallations(ctx)
}

func (a *updaterGithubApp) InstallationClient(ctx context.Context, installationID int64) (updater.InstallationAPI, error) {
	installationClt, err := a.clt.InstallationClient(ctx, installationID)
	if err != nil {
		return nil, err
	}

	return installationClt, nil
}

// botGithubApp adapts githubclt.Client to the interface of the bot package.
type botGithubApp struct {
	clt *githubclt.Client
}

func (a *botGithubApp) InstallationClient(ctx context.Context, installationID int64) (bot.InstallationAPI, error) {
	installationClt, err := a.clt.InstallationClient(ctx, installationID)
	if err != nil {
		return nil, err
	}

	return installationClt, nil
}

type gitClient struct{}

func (gitClient) Clone(ctx context.Context, url, dest, token string) (updater.GitClone, error) {
	clone, err := gitw.CloneRepository(ctx, url, dest, token)
	if err != nil {
		return nil, err
	}

	return clone, nil
}

func main() {
	defer panicHandler()

	defer goodbye.Exit(context.Background(), 1)
	goodbye.Notify(context.Background())

	mustParseCommandlineParams()

	if *args.ShowVersion {
		fmt.Printf("%s %s\n", appName, Version)
		os.Exit(0) // nolint:gocritic // defer functions won't run
	}

	config := mustParseCfg()

	mustInitLogger(config)

	logger.Info(
		"loaded cfg file",
		logfields.Event("cfg_loaded"),
		zap.String("cfg_file", *args.ConfigFile),
		zap.String("http_server_listen_addr", config.HTTPListenAddr),
		zap.String("https_server_listen_addr", config.HTTPSListenAddr),
		zap.String("github_webhook_endpoint", config.GithubWebhookEndpoint),
		zap.String("github_webhook_secret", hide(config.GithubWebhookSecret)),
		zap.Int64("github_app_id", config.GithubAppID),
		zap.String("github_app_private_key_file", config.GithubAppPrivateKeyFile),
		zap.String("database_path", config.DatabasePath),
		zap.String("generator_command", strings.Join(config.GeneratorCommand, " ")),
		zap.String("bot_name", config.BotName),
		zap.String("maintainer", config.Maintainer),
		zap.String("log_format", config.LogFormat),
		zap.String("log_time_key", config.LogTimeKey),
		zap.String("log_level", config.LogLevel),
	)

	goodbye.Register(func(_ context.Context, sig os.Signal) {
		logger.Info(fmt.Sprintf("terminating, received signal %s", sig.String()))
	})

	if config.HTTPListenAddr == "" && config.HTTPSListenAddr == "" {
		fmt.Fprintf(os.Stderr, "https_server_listen_addr or http_server_listen_addr must be defined in the config file, both are unset\n")
		os.Exit(1)
	}

	privateKeyPEM, err := os.ReadFile(config.GithubAppPrivateKeyFile)
	exitOnErr("could not read github app private key file", err)

	githubClient, err := githubclt.New(config.GithubAppID, privateKeyPEM)
	exitOnErr("could not create github app client", err)

	ldg, err := ledger.Open(config.DatabasePath)
	exitOnErr("could not open ledger database", err)

	goodbye.Register(func(context.Context, os.Signal) {
		if err := ldg.Close(); err != nil {
			logger.Warn(
				"closing ledger database failed",
				logfields.Event("ledger_close_failed"),
				zap.Error(err),
			)
		}
	})

	generatorCmd, err := generator.NewCommand(config.GeneratorCommand)
	exitOnErr("could not create generator command", err)

	updateService := updater.New(
		&updaterGithubApp{clt: githubClient},
		gitClient{},
		generatorCmd,
		ldg,
		gitw.Identity{Name: config.BotName, Email: config.BotEmail},
	)

	ignoreRules, err := bot.IgnoreRulesFromCfg(config)
	exitOnErr(fmt.Sprintf("could not parse ignore rules from configuration file: %s", *args.ConfigFile), err)

	eventBot := bot.New(
		&botGithubApp{clt: githubClient},
		updateService,
		config.BotName,
		config.Maintainer,
		bot.WithIgnoreRules(ignoreRules),
		bot.WithHandlerRoutineDeferFunc(panicHandler),
	)

	go eventBot.Start()
	goodbye.Register(func(context.Context, os.Signal) {
		eventBot.Stop()
	})

	gh := github.New(
		eventBot.C(),
		github.WithPayloadSecret(config.GithubWebhookSecret),
	)

	router := mux.NewRouter()
	router.HandleFunc(config.GithubWebhookEndpoint, gh.HTTPHandler).Methods(http.MethodPost)
	httpd.New(updateService).RegisterRoutes(router)

	logger.Info(
		"registered github webhook event http endpoint",
		logfields.Event("github_http_handler_registered"),
		zap.String("endpoint", config.GithubWebhookEndpoint),
	)

	if config.HTTPListenAddr != "" {
		startHTTPServer(config.HTTPListenAddr, router)
	}

	if config.HTTPSListenAddr != "" {
		startHTTPSServer(
			config.HTTPSListenAddr,
			config.HTTPSCertFile,
			config.HTTPSKeyFile,
			router,
		)
	}

	select {} // TODO: refactor this, allow clean shutdown
}
