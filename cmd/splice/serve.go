package main

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/splice/internal/api"
	"github.com/samcharles93/splice/internal/logger"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		adaptersDir string
		readTimeout time.Duration
		storeSize   int64
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the adapter management REST API",
		Flags: append(append(commonModelFlags(), adapterFlags()...),
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
			&cli.StringFlag{
				Name:        "adapters-dir",
				Usage:       "directory adapters are saved to when a save request names no path",
				Destination: &adaptersDir,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
			&cli.Int64Flag{
				Name:        "store-size",
				Usage:       "number of stored forward results kept",
				Value:       64,
				Destination: &storeSize,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyServeConfig(cmd, configFrom(ctx), &addr, &adaptersDir)

			m, err := loadModel(ctx)
			if err != nil {
				return err
			}
			if err := setupAdapters(ctx, cmd, m.Host); err != nil {
				return err
			}

			server := api.NewServer(m,
				api.WithLogger(log),
				api.WithAdaptersDir(adaptersDir),
				api.WithStore(api.NewForwardStore(int(storeSize))),
			)
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)
			log.Info("starting server", "address", addr, "model", m.Spec.Name)
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, server.Handler(e))
		},
	}
}
