// Command junctionctl is a one-shot client for poking a running
// Junction mesh: publish a message, issue an RPC, or query how many
// targets currently match a predicate.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"

	"github.com/PlumpMath/junction/client"
	"github.com/PlumpMath/junction/logging"
	"github.com/PlumpMath/junction/mesh"
	"github.com/PlumpMath/junction/wire"
)

var config = new(struct {
	Hub struct {
		Addr string `long:"addr" env:"ADDR" default:"localhost:8080" description:"Address of the hub to connect to"`
	} `group:"Hub" namespace:"hub" env-namespace:"HUB"`

	Log logging.Config `group:"Logging" namespace:"log" env-namespace:"LOG"`
})

type target struct {
	Service   string `long:"service" required:"true" description:"Target service name"`
	RoutingID uint64 `long:"routing-id" description:"Routing ID to dispatch on"`
	Method    string `long:"method" required:"true" description:"Target method name"`
	Args      string `long:"args" description:"JSON array of positional arguments"`
	Singular  bool   `long:"singular" description:"Address exactly one matching target"`
}

func (t *target) decodeArgs() ([]interface{}, error) {
	if t.Args == "" {
		return nil, nil
	}
	var args []interface{}
	if err := json.Unmarshal([]byte(t.Args), &args); err != nil {
		return nil, fmt.Errorf("decoding --args as JSON: %w", err)
	}
	return args, nil
}

type cmdPublish struct {
	target
}

func (cmd *cmdPublish) Execute([]string) error {
	var c = connect()
	defer c.Shutdown()

	args, err := cmd.decodeArgs()
	if err != nil {
		return err
	}
	return c.Publish(cmd.Service, cmd.RoutingID, cmd.Method, args, nil, cmd.Singular)
}

type cmdRpc struct {
	target
	Timeout time.Duration `long:"timeout" default:"10s" description:"How long to wait for every target to respond"`
}

func (cmd *cmdRpc) Execute([]string) error {
	var c = connect()
	defer c.Shutdown()

	args, err := cmd.decodeArgs()
	if err != nil {
		return err
	}
	val, err := c.Rpc(cmd.Service, cmd.RoutingID, cmd.Method, args, nil, cmd.Singular, cmd.Timeout)
	if err != nil {
		return err
	}
	b, _ := json.Marshal(val)
	fmt.Println(string(b))
	return nil
}

type cmdCount struct {
	Service   string `long:"service" required:"true" description:"Target service name"`
	RoutingID uint64 `long:"routing-id" description:"Routing ID to dispatch on"`
	Method    string `long:"method" required:"true" description:"Target method name"`
	Rpc       bool   `long:"rpc" description:"Count RPC handlers instead of publish handlers"`
	Timeout   time.Duration `long:"timeout" default:"10s" description:"How long to wait for the count"`
}

func (cmd *cmdCount) Execute([]string) error {
	var c = connect()
	defer c.Shutdown()

	var msgType = wire.MsgPublish
	if cmd.Rpc {
		msgType = wire.MsgRPCRequest
	}
	n, err := c.ReceiverCount(msgType, cmd.Service, cmd.RoutingID, cmd.Method, cmd.Timeout)
	if err != nil {
		return err
	}
	fmt.Println(n)
	return nil
}

func connect() *client.Client {
	if err := logging.Configure(config.Log); err != nil {
		log.WithError(err).Fatal("invalid logging configuration")
	}
	var c = client.New(client.Config{
		Ident:   mesh.Ident{Host: "junctionctl", Port: os.Getpid(), Version: wire.ProtocolVersion},
		HubAddr: config.Hub.Addr,
	})
	if err := c.WaitOnConnections(10 * time.Second); err != nil {
		log.WithError(err).Fatal("failed to connect to hub")
	}
	return c
}

func main() {
	var parser = flags.NewParser(config, flags.Default)

	if _, err := parser.AddCommand("publish", "Publish a message", "Send a fire-and-forget publish through the hub", &cmdPublish{}); err != nil {
		log.WithError(err).Fatal("failed to add publish command")
	}
	if _, err := parser.AddCommand("rpc", "Issue an RPC", "Send an RPC through the hub and print its result", &cmdRpc{}); err != nil {
		log.WithError(err).Fatal("failed to add rpc command")
	}
	if _, err := parser.AddCommand("count", "Query receiver count", "Ask the hub how many targets currently match a predicate", &cmdCount{}); err != nil {
		log.WithError(err).Fatal("failed to add count command")
	}

	if _, err := parser.Parse(); err != nil {
		os.Exit(1)
	}
}
