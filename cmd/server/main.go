package main

import (
	"termchat/internal/command"
	"termchat/internal/config"
	"termchat/internal/db"
	"termchat/internal/directory"
	clog "termchat/internal/log"
	"termchat/internal/realtime"
	"termchat/internal/server"
	"termchat/internal/store"

	"github.com/rs/zerolog/log"
)

func main() {
	// main 函数负责加载配置、初始化日志、连接数据库并启动 Gin 服务。
	cfg := config.Load()
	if err := config.Validate(cfg); err != nil {
		log.Fatal().Err(err).Msg("config validate")
	}
	clog.Init(cfg.Env)

	gdb, err := db.Connect(cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	if err := db.Migrate(gdb); err != nil {
		log.Fatal().Err(err).Msg("db migrate")
	}

	hub := realtime.NewHub()
	st := store.New(gdb, hub)
	dirSvc := directory.NewService(st)
	disp := command.NewDispatcher(st)

	r := server.SetupRouter(cfg, gdb, st, hub, dirSvc, disp)
	if err := r.Run(":" + cfg.Port); err != nil {
		log.Fatal().Err(err).Msg("server run")
	}
}
