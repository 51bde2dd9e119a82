package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/chzyer/readline"
)

var completer = readline.NewPrefixCompleter(
	readline.PcItem(".help"),
	readline.PcItem(".open"),
	readline.PcItem(".close"),
	readline.PcItem(".exit"),
	readline.PcItem(".stats"),
	readline.PcItem(".mkfs"),
	readline.PcItem("BTCREATE"),
	readline.PcItem("BTGET"),
	readline.PcItem("BTSET"),
	readline.PcItem("BTUPDATE"),
	readline.PcItem("BTSCAN"),
	readline.PcItem("READ"),
	readline.PcItem("WRITE"),
)

const helpText = `
poundfs - block device, record block and filesystem formatting toolkit.

Usage:
  poundfs [options] [image_path]  - Start with an optional image

Commands (interactive mode only):
  .help                   - Show this help message
  .open PATH              - Open (or create) an image at PATH
  .open grpc://HOST:PORT  - Open a remote block server
  .close                  - Close the current device
  .exit                   - Exit the program
  .stats                  - Show device and operation statistics
  .mkfs [SIZE]            - Format the device (SIZE like 40MiB, default whole device)

  BTCREATE                - Initialize the record block at the configured root
  BTGET key               - Retrieve the value stored under key
  BTSET key value         - Insert a record, refusing existing keys
  BTUPDATE key value      - Replace the value of an existing key
  BTSCAN                  - List every record in key order

  READ off len            - Hex dump len bytes at byte offset off
  WRITE off hex           - Write hex encoded bytes at byte offset off
`

// runInteractive reads commands until .exit or end of input.
func runInteractive(s *session) {
	fmt.Println("poundfs version 0.1.0")
	fmt.Println("Enter .help for usage hints.")

	historyFile := filepath.Join(os.TempDir(), ".poundfs_history")
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          s.prompt(),
		HistoryFile:     historyFile,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    completer,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing readline: %s\n", err)
		os.Exit(1)
	}
	defer rl.Close()

	for {
		rl.SetPrompt(s.prompt())

		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				break
			}
			continue
		} else if err == io.EOF {
			break
		} else if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading input: %s\n", err)
			continue
		}

		if s.execute(line, rl.Stdout()) {
			return
		}
	}

	if err := s.close(); err != nil {
		fmt.Fprintf(os.Stderr, "Error closing device: %s\n", err)
	}
}
