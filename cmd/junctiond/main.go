// Command junctiond runs a Junction Hub: a mesh node that accepts
// inbound peer connections, dials its configured seed peers, and routes
// publishes and RPCs between them and its own locally registered
// handlers.
package main

import (
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"

	"github.com/PlumpMath/junction/hub"
	"github.com/PlumpMath/junction/logging"
	"github.com/PlumpMath/junction/mesh"
	"github.com/PlumpMath/junction/wire"
)

var config = new(struct {
	Hub struct {
		Host  string `long:"host" env:"HOST" default:"localhost" description:"Hostname this hub advertises to peers"`
		Port  int    `long:"port" env:"PORT" default:"8080" description:"Port to listen on and advertise"`
		Seeds string `long:"seeds" env:"SEEDS" description:"Comma-separated host:port list of seed peers to dial"`
	} `group:"Hub" namespace:"hub" env-namespace:"HUB"`

	Log logging.Config `group:"Logging" namespace:"log" env-namespace:"LOG"`
})

func main() {
	var parser = flags.NewParser(config, flags.Default)
	if _, err := parser.Parse(); err != nil {
		os.Exit(1)
	}
	if err := logging.Configure(config.Log); err != nil {
		log.WithError(err).Fatal("invalid logging configuration")
	}

	var seeds []string
	if config.Hub.Seeds != "" {
		seeds = strings.Split(config.Hub.Seeds, ",")
	}

	var ident = mesh.Ident{Host: config.Hub.Host, Port: config.Hub.Port, Version: wire.ProtocolVersion}
	var h, err = hub.New(hub.Config{
		Ident:      ident,
		ListenAddr: ":" + strconv.Itoa(config.Hub.Port),
		Seeds:      seeds,
	})
	if err != nil {
		log.WithError(err).Fatal("failed to start hub")
	}
	log.WithFields(log.Fields{"host": ident.Host, "port": ident.Port}).Info("junction hub started")

	var sig = make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info("junction hub shutting down")
	h.Shutdown()
}
