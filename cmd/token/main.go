package main

import (
	"flag"
	"fmt"
	"os"

	"streamsight/internal/core/services"
	"streamsight/pkg/config"
	"streamsight/pkg/logger"
)

// token prints a bearer token for the report API, signed with the configured
// secret.
func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the YAML configuration")
	subject := flag.String("subject", "", "who the token is issued to")
	flag.Parse()

	if *subject == "" {
		fmt.Fprintln(os.Stderr, "usage: token -subject <name> [-config file]")
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	zapLogger, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	if !cfg.Auth.Enabled {
		log.Warnw("Auth is disabled; the API will not ask for this token")
	}

	auth := services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
	token, err := auth.GenerateToken(*subject)
	if err != nil {
		log.Errorw("Failed to sign token", "subject", *subject, "error", err)
		os.Exit(1)
	}
	log.Infow("Token issued", "subject", *subject, "ttl", cfg.Auth.TokenTTL)
	fmt.Println(token)
}
