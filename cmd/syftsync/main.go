// Command syftsync runs one participant of the file-synchronization
// engine: a datasite owner loop or a scientist watcher loop over an
// in-memory backend store. Concrete cloud-drive bindings plug in through
// the backend.Connection contract.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/openmined/syftsync/backend"
	"github.com/openmined/syftsync/backend/memstore"
	"github.com/openmined/syftsync/dataset"
	"github.com/openmined/syftsync/log"
	"github.com/openmined/syftsync/manager"
	"github.com/openmined/syftsync/watch"
)

var logger = log.Module("main")

func main() {
	app := &cli.App{
		Name:  "syftsync",
		Usage: "peer-to-peer datasite synchronization over an object store",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "email",
				Usage:    "participant email",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "role",
				Usage: "participant role: owner or scientist",
				Value: "owner",
			},
			&cli.StringFlag{
				Name:  "syftbox",
				Usage: "local syftbox folder",
			},
			&cli.DurationFlag{
				Name:  "interval",
				Usage: "sync tick interval",
				Value: 10 * time.Second,
			},
			&cli.BoolFlag{
				Name:  "watch",
				Usage: "watch the syftbox folder for local changes (scientist role)",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "log level: debug, info, warning, error",
				Value: "info",
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	log.SetLevel(c.String("log-level"))

	email := c.String("email")
	var role manager.Role
	switch c.String("role") {
	case "owner":
		role = manager.RoleOwner
	case "scientist":
		role = manager.RoleScientist
	default:
		return cli.Exit("role must be owner or scientist", 2)
	}

	store := memstore.NewStore()
	conn := memstore.NewConnection(store, memstore.ConnectionConfig{Email: email})
	syftboxDir := c.String("syftbox")

	mgr, err := manager.New(manager.Config{
		Email:      email,
		Role:       role,
		Router:     backend.NewConnectionRouter(conn),
		SyftboxDir: syftboxDir,
		Datasets: &dataset.DirManager{
			PublicDir:  syftboxDir + "/public/syft_datasets",
			PrivateDir: syftboxDir + "/private/syft_datasets",
		},
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := mgr.Start(ctx); err != nil {
		return err
	}
	logger.WithField("email", email).WithField("role", string(role)).Info("starting sync loop")

	if c.Bool("watch") && role == manager.RoleScientist && syftboxDir != "" {
		monitor, err := watch.NewMonitor(watch.Config{
			Root: syftboxDir,
			Sink: func(relativePath string) {
				if err := mgr.SendFileChange(ctx, relativePath, nil); err != nil {
					logger.WithField("path", relativePath).WithError(err).Warn("failed to propose change")
				}
			},
		})
		if err != nil {
			return err
		}
		go func() {
			if err := monitor.Run(ctx); err != nil && ctx.Err() == nil {
				logger.WithError(err).Error("watch monitor stopped")
			}
		}()
	}

	ticker := time.NewTicker(c.Duration("interval"))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return nil
		case <-ticker.C:
			if err := mgr.Sync(ctx); err != nil {
				logger.WithError(err).Error("sync tick failed")
			}
		}
	}
}
