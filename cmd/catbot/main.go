package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	charmLog "github.com/charmbracelet/log"
	"github.com/joho/godotenv"

	"github.com/catnip/catbot/internal/server"
)

type cliConfig struct {
	HTTPAddr         string        `name:"http-addr" help:"HTTP listen address." env:"CATBOT_HTTP_ADDR" default:":8080"`
	DBPath           string        `name:"db-path" help:"SQLite database path." env:"CATBOT_DB_PATH" default:"./catbot.db"`
	JWTSecret        string        `name:"jwt-secret" help:"HMAC secret for bearer token signing." env:"CATBOT_JWT_SECRET"`
	PendingActionTTL time.Duration `name:"pending-action-ttl" help:"How long confirmation requests stay open." env:"CATBOT_PENDING_ACTION_TTL" default:"24h"`
	SweepInterval    time.Duration `name:"sweep-interval" help:"How often stale confirmations are expired." env:"CATBOT_SWEEP_INTERVAL" default:"1m"`
	LogLevel         string        `name:"log-level" help:"Server log level." env:"CATBOT_LOG_LEVEL" default:"info" enum:"debug,info,warn,error,fatal"`
	LogFormat        string        `name:"log-format" help:"Log output format." env:"CATBOT_LOG_FORMAT" default:"text" enum:"text,json"`
}

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
		os.Exit(1)
	}

	cfg, err := parseCLI(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "parse args: %v\n", err)
		os.Exit(2)
	}

	logger, err := newLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configure logger: %v\n", err)
		os.Exit(2)
	}
	charmLog.SetDefault(logger)

	app, err := server.New(server.AppConfig{
		DBPath:           cfg.DBPath,
		JWTSecret:        cfg.JWTSecret,
		PendingActionTTL: cfg.PendingActionTTL,
		SweepInterval:    cfg.SweepInterval,
		Logger:           logger.With("component", "server"),
	})
	if err != nil {
		logger.Fatal("init app", "error", err)
	}
	defer app.Close()

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           app.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info(
		"catbot listening",
		"addr", cfg.HTTPAddr,
		"db_path", cfg.DBPath,
		"pending_action_ttl", cfg.PendingActionTTL,
	)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("listen and serve", "error", err)
	}
}

func parseCLI(args []string) (cliConfig, error) {
	var cfg cliConfig

	parser, err := kong.New(
		&cfg,
		kong.Name("catbot"),
		kong.Description("Cat action pipeline server"),
		kong.UsageOnError(),
	)
	if err != nil {
		return cliConfig{}, err
	}
	if _, err := parser.Parse(args); err != nil {
		return cliConfig{}, err
	}

	return cfg, nil
}

func newLogger(levelRaw, formatRaw string) (*charmLog.Logger, error) {
	level, err := charmLog.ParseLevel(strings.TrimSpace(levelRaw))
	if err != nil {
		return nil, err
	}

	formatter := charmLog.TextFormatter
	if strings.EqualFold(strings.TrimSpace(formatRaw), "json") {
		formatter = charmLog.JSONFormatter
	}

	return charmLog.NewWithOptions(os.Stderr, charmLog.Options{
		Prefix:          "catbot",
		Level:           level,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Formatter:       formatter,
	}), nil
}
