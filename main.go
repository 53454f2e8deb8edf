package main

import (
	"context"
	"log"
	"os"

	"mitsume/internal/bootstrap"
	"mitsume/internal/config"
)

func main() {
	// 設定を読み込む
	cfg, err := config.Load(os.Getenv("MITSUME_CONFIG"))
	if err != nil {
		log.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	logger := bootstrap.NewLogger(cfg.Log, os.Stderr)

	// サーバーを起動
	if err := bootstrap.Run(context.Background(), cfg, logger); err != nil {
		logger.Error("サーバーの起動に失敗しました", "error", err)
		os.Exit(1)
	}
}
