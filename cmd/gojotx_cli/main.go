// Command gojotx_cli is an interactive shell around an embedded coordinator.
// It can also print a transaction log directory without starting anything.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/sushant-115/gojotx/config"
	"github.com/sushant-115/gojotx/core/security/encryption"
	"github.com/sushant-115/gojotx/core/txlog"
	"github.com/sushant-115/gojotx/internal/app"
	"github.com/sushant-115/gojotx/pkg/logger"
	"go.uber.org/zap"
)

var (
	nodeID   = flag.String("node_id", "cli", "Coordinator node id")
	logDir   = flag.String("log_dir", "", "Transaction log directory; empty keeps the log in memory")
	backend  = flag.String("backend", txlog.BackendFile, "Log backend used with -log_dir: file or bolt")
	logKey   = flag.String("log_key", "", "Hex AES key of an encrypted file log")
	inspect  = flag.Bool("inspect", false, "Print the log in -log_dir and exit")
	logLevel = flag.String("log_level", "warn", "Log level")
)

var completer = readline.NewPrefixCompleter(
	readline.PcItem("begin"),
	readline.PcItem("commit"),
	readline.PcItem("rollback"),
	readline.PcItem("rollback-only"),
	readline.PcItem("status"),
	readline.PcItem("timeout"),
	readline.PcItem("enlist"),
	readline.PcItem("delist"),
	readline.PcItem("sync"),
	readline.PcItem("rm",
		readline.PcItem("add"),
		readline.PcItem("connect"),
		readline.PcItem("list"),
		readline.PcItem("fail"),
		readline.PcItem("clear"),
	),
	readline.PcItem("txs"),
	readline.PcItem("recover"),
	readline.PcItem("log"),
	readline.PcItem("probe"),
	readline.PcItem("help"),
	readline.PcItem("exit"),
)

func inspectLog(ctx context.Context, zlogger *zap.Logger) error {
	opts := txlog.FileLogOptions{}
	if *logKey != "" {
		c, err := encryption.NewCipherFromHex(*logKey)
		if err != nil {
			return err
		}
		opts.Sealer = c
	}
	l, err := txlog.Open(*backend, *logDir, zlogger, opts)
	if err != nil {
		return err
	}
	defer l.Close()
	return printLog(ctx, os.Stdout, l)
}

func main() {
	flag.Parse()
	log.SetFlags(0)
	ctx := context.Background()

	zlogger, _, err := logger.New(logger.Config{Level: *logLevel, Format: "console", OutputFile: "stderr"}, "gojotx-cli", *nodeID)
	if err != nil {
		log.Fatalf("Can't initialize logger: %v", err)
	}

	if *inspect {
		if *logDir == "" {
			log.Fatal("-inspect requires -log_dir")
		}
		if err := inspectLog(ctx, zlogger); err != nil {
			log.Fatalf("Error: %v", err)
		}
		return
	}

	cfg := config.Default()
	cfg.Manager.NodeID = *nodeID
	cfg.Manager.DefaultTimeout = 0
	cfg.Recovery.Enabled = false
	cfg.TxLog.Backend = txlog.BackendMemory
	if *logDir != "" {
		cfg.TxLog.Backend = *backend
		cfg.TxLog.Dir = *logDir
		cfg.TxLog.EncryptionKey = *logKey
	}

	node, err := app.New(ctx, cfg, zlogger, nil)
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
	sh := newShell(node, zlogger, os.Stdout)
	defer func() {
		sh.close()
		if err := node.Close(ctx); err != nil {
			log.Printf("Error closing coordinator: %v", err)
		}
	}()

	if args := flag.Args(); len(args) > 0 {
		if err := sh.processCommand(ctx, args); err != nil && !errors.Is(err, errExit) {
			fmt.Printf("Error: %v\n", err)
		}
		return
	}

	home, _ := os.UserHomeDir()
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "gojotx> ",
		HistoryFile:     filepath.Join(home, ".gojotx_history"),
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		log.Printf("Error: %v", err)
		return
	}
	defer rl.Close()

	fmt.Println("gojotx CLI (interactive mode). Type 'help' for commands, 'exit' or 'quit' to leave.")
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			fmt.Printf("Error reading input: %v\n", err)
			return
		}
		err = sh.processCommand(ctx, strings.Fields(line))
		if errors.Is(err, errExit) {
			return
		}
		if err != nil {
			fmt.Printf("Error: %v\n", err)
		}
	}
}
