package main

import (
	"context"
	"net"
	"strconv"

	"github.com/joho/godotenv"

	"chatstream/internal/app"
	"chatstream/pkg/config"
	"chatstream/pkg/logger"
	"chatstream/pkg/shutdown"
)

// populated by the build
var (
	version = "dev"
	commit  = "none"
)

func main() {
	// .env is optional; real env vars win
	_ = godotenv.Load()

	addr, dbPath, cfgPath, setFlags := config.ParseCommandFlags()

	cfgPath = config.ResolveConfigPath(cfgPath, setFlags["config"])
	cfg, envUsed, err := config.LoadEffective(cfgPath)
	if err != nil {
		shutdown.Abort("config load failed", err)
	}

	// explicit flags override file and env values
	if setFlags["addr"] {
		if h, p, err := net.SplitHostPort(addr); err == nil {
			cfg.Server.Address = h
			if pi, err := strconv.Atoi(p); err == nil {
				cfg.Server.Port = pi
			}
		} else {
			cfg.Server.Address = addr
		}
	}
	if setFlags["db"] {
		cfg.Storage.DBPath = dbPath
	}

	logger.InitWithLevel(cfg.Logging.Level)
	logger.Info("config_loaded", "path", cfgPath, "env_overrides", envUsed)

	ctx, cancel := shutdown.SetupSignalHandler(context.Background())
	defer cancel()

	ver := version
	if commit != "none" {
		ver += " (" + commit + ")"
	}
	if err := app.New(cfg, ver).Run(ctx); err != nil {
		shutdown.Abort("server exited with error", err)
	}
}
