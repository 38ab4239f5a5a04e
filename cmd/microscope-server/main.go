package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"
	cli "github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"microscope/pkg/config"
	"microscope/pkg/deviceserver"
	"microscope/pkg/drivers"
	"microscope/templates"
)

const shutdownTimeout = 5 * time.Second

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	if c.IsSet("port") {
		cfg.Server.Port = c.Int("port")
	}
	if c.IsSet("db") {
		cfg.Store.Path = c.String("db")
	}
	return cfg, cfg.Validate()
}

func run(c *cli.Context) error {
	log.SetFormatter(deviceserver.NewRepeatFilter(&log.TextFormatter{FullTimestamp: true}))
	if c.Bool("debug") {
		log.SetLevel(log.DebugLevel)
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	log.Info(cfg.Server.Description)

	tmpl, err := templates.LoadTemplates()
	if err != nil {
		return fmt.Errorf("failed to load templates: %v", err)
	}

	store, err := deviceserver.OpenStore(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("failed to open database: %v", err)
	}
	defer store.Close()

	var mqttClient mqtt.Client
	if cfg.MQTT.Broker != "" {
		mqttClient, err = deviceserver.ConnectMQTT(cfg.MQTT)
		if err != nil {
			return err
		}
		defer mqttClient.Disconnect(250)
		log.Infof("Connected to MQTT broker %s", cfg.MQTT.Broker)
	}
	resolver := deviceserver.NewResolver(mqttClient, cfg.MQTT.TopicRoot, log.WithField("component", "clients"))

	serverDesc := deviceserver.ServerDescription{
		Name:                cfg.Server.Description,
		Manufacturer:        "microscope",
		ManufacturerVersion: "1.0",
		Location:            cfg.Server.Host,
	}
	server := deviceserver.NewServer(serverDesc, store, tmpl, resolver, log.WithField("component", "server"))
	defer server.Shutdown()

	for _, dc := range cfg.Devices {
		dev, err := drivers.New(dc, log.StandardLogger())
		if err != nil {
			return err
		}
		info := server.AddDevice(dev, dc.UID)
		log.Infof("Added %s %q as %s %d", dc.Type, info.Name, info.Type, info.Number)
	}

	srv := &http.Server{
		Addr:    net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Handler: server.AddRoutes(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Debugf("Server started on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("could not listen on %s: %v", srv.Addr, err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down server...")

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			return fmt.Errorf("server forced to shutdown: %v", err)
		}
		return nil
	})

	if cfg.Server.Discovery {
		dr := deviceserver.NewDiscoveryResponder(cfg.Server.Host, cfg.Server.DiscoveryPort, cfg.Server.Port,
			log.WithField("component", "discovery"))
		g.Go(func() error {
			if err := dr.Run(gctx); err != nil {
				return fmt.Errorf("discovery responder failed: %v", err)
			}
			log.Debug("Discovery responder stopped")
			return nil
		})
	}

	g.Go(func() error {
		server.InitializeDevices(gctx, deviceserver.InitRetryInterval)
		return nil
	})

	err = g.Wait()
	log.Info("Server stopped")
	return err
}

func main() {
	app := cli.App{
		Name:  "microscope-server",
		Usage: "Serve microscope devices over the network",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Configuration file",
				Value:   config.DefaultPath,
				EnvVars: []string{"MICROSCOPE_CONFIG"},
			},
			&cli.BoolFlag{
				Name:    "debug",
				Aliases: []string{"d"},
				Usage:   "Enable debug logging",
				Value:   false,
				EnvVars: []string{"DEBUG"},
			},
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to listen on, overrides the configuration file",
				EnvVars: []string{"MICROSCOPE_PORT"},
			},
			&cli.StringFlag{
				Name:    "db",
				Usage:   "Settings database, overrides the configuration file",
				EnvVars: []string{"MICROSCOPE_DB"},
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("Error: %v", err)
	}
}
