// Package main tails the room events mirrored to Redis by the gateway and prints one
// JSON line per event.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/lowband-classroom/backend/config"
	"github.com/lowband-classroom/backend/internal/models"
	"github.com/lowband-classroom/backend/internal/realtime"
	"github.com/lowband-classroom/backend/pkg/redis"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	rooms := flag.String("rooms", "", "comma-separated room ids (default: all rooms)")
	kinds := flag.String("kinds", "", "comma-separated event kinds to print (default: all)")
	flag.Parse()

	if cfg.Redis.Addr == "" {
		logger.Fatal("REDIS_ADDR is required")
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	filter := make(map[models.EventKind]bool)
	for _, k := range splitList(*kinds) {
		filter[models.EventKind(k)] = true
	}
	enc := json.NewEncoder(os.Stdout)
	lines := make(chan models.Event, 256)
	cancel, err := realtime.SubscribeRooms(ctx, rdb, splitList(*rooms), func(ev models.Event) {
		if len(filter) > 0 && !filter[ev.Kind] {
			return
		}
		select {
		case lines <- ev:
		default:
			logger.Warn("output behind, event dropped", zap.String("room_id", ev.RoomID), zap.Int64("seq", ev.Seq))
		}
	})
	if err != nil {
		logger.Fatal("subscribe", zap.Error(err))
	}
	defer cancel()
	logger.Info("tailing room events", zap.String("rooms", *rooms))

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-lines:
			if err := enc.Encode(ev); err != nil {
				logger.Error("write event", zap.Error(err))
				return
			}
		}
	}
}

func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if t := strings.TrimSpace(v); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.OutputPaths = []string{"stderr"}
	logger, _ := config.Build()
	return logger
}
