package main

import (
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/ethdb"
	log "github.com/helinwang/log15"
	"github.com/urfave/cli"

	"github.com/subtly/cpp-ethereum-micro/pkg/client"
	"github.com/subtly/cpp-ethereum-micro/pkg/core"
	"github.com/subtly/cpp-ethereum-micro/pkg/version"
)

var (
	dbPathFlag = cli.StringFlag{
		Name:  "db",
		Value: "nodedata",
		Usage: "path to the node's database directory (status record + chain/state)",
	}
	authorFlag = cli.StringFlag{
		Name:  "author",
		Value: "0x0000000000000000000000000000000000000000",
		Usage: "coinbase address credited for locally sealed blocks",
	}
	threadsFlag = cli.IntFlag{
		Name:  "threads",
		Value: 1,
		Usage: "number of local mining threads",
	}
	forceFlag = cli.BoolFlag{
		Name:  "force",
		Usage: "keep mining even without an upstream peer host",
	}
)

// bootstrap opens the version gate, constructs a fresh in-memory chain and
// state (this build's "disk database" stand-in, as in the teacher's
// cmd/node/node.go, which also hands the node an in-memory trie.Database),
// and returns the client; its worker is not started yet.
func bootstrap(c *cli.Context) (*client.Client, error) {
	dbPath := c.GlobalString(dbPathFlag.Name)
	author := core.ParseAddr(c.GlobalString(authorFlag.Name))

	gate := version.NewGate(dbPath)
	switch action := gate.Check(); action {
	case version.Kill:
		log.Warn("version gate: wiping database", "path", dbPath)
	case version.Verify:
		log.Info("version gate: minor protocol mismatch, revalidating", "path", dbPath)
	case version.Trust:
		log.Info("version gate: trusted database", "path", dbPath)
	}
	if err := gate.Accept(); err != nil {
		log.Warn("version gate: failed to persist status record", "err", err)
	}

	diskDB := ethdb.NewMemDatabase()
	genesis := &core.Block{Header: &core.Header{Number: 0, Difficulty: 131072}}
	engine := core.NewHashEngine()
	chain := core.NewBlockChain(diskDB, genesis, engine)
	exec := core.NewSimpleExecutive()

	cl, err := client.New(diskDB, chain, exec, engine, author)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}
	return cl, nil
}

func startCommand() cli.Command {
	return cli.Command{
		Name:  "start",
		Usage: "bootstrap the node and drive the work cycle without mining",
		Action: func(c *cli.Context) error {
			cl, err := bootstrap(c)
			if err != nil {
				return err
			}
			cl.Start()
			log.Info("node started")
			select {}
		},
	}
}

func mineCommand() cli.Command {
	return cli.Command{
		Name:  "mine",
		Usage: "bootstrap the node and mine blocks locally",
		Flags: []cli.Flag{threadsFlag, forceFlag},
		Action: func(c *cli.Context) error {
			cl, err := bootstrap(c)
			if err != nil {
				return err
			}
			cl.Start()
			cl.SetForceMining(c.Bool(forceFlag.Name))
			cl.SetMiningThreads(c.Int(threadsFlag.Name))
			cl.StartMining()
			log.Info("node mining", "threads", c.Int(threadsFlag.Name))

			for {
				time.Sleep(5 * time.Second)
				log.Info("status",
					"head", cl.Chain().CurrentBlock().Number(),
					"pending", cl.PendingCount(),
					"hashrate", cl.Hashrate())
			}
		},
	}
}

func killChainCommand() cli.Command {
	return cli.Command{
		Name:  "kill-chain",
		Usage: "wipe the chain and state back to genesis and restart the work cycle",
		Action: func(c *cli.Context) error {
			cl, err := bootstrap(c)
			if err != nil {
				return err
			}
			genesis := &core.Block{Header: &core.Header{Number: 0, Difficulty: 131072}}
			if err := cl.KillChain(genesis, core.NewHashEngine()); err != nil {
				return err
			}
			log.Info("chain killed and rebuilt from genesis")
			select {}
		},
	}
}

func main() {
	app := cli.NewApp()
	app.Name = "node"
	app.Usage = "minimal full-node client core"
	app.Flags = []cli.Flag{dbPathFlag, authorFlag}
	app.Commands = []cli.Command{
		startCommand(),
		mineCommand(),
		killChainCommand(),
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
