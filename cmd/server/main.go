package main

import (
	"utm-content-engine/internal/app/server"
	"utm-content-engine/internal/config"
)

func main() {
	cfg := config.Load()
	config.SetupLogging(cfg.Server.LogLevel, cfg.Server.LogFormat)
	server.Run(cfg)
}
