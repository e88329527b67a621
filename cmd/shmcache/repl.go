package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/peterh/liner"

	"github.com/shmcache-io/shmcache/pkg/shmcache"
)

// REPL is the interactive command loop around one attached Cache.
type REPL struct {
	cache *shmcache.Cache
	name  string
	liner *liner.State
}

// historyFile returns the path to the REPL's persisted command history.
func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".shmcache_history")
}

// Run starts the REPL loop, reading lines until exit/quit/EOF.
func (r *REPL) Run() error {
	r.liner = liner.NewLiner()
	defer r.liner.Close()

	r.liner.SetCtrlCAborts(true)
	r.liner.SetCompleter(r.completer)

	if f, err := os.Open(historyFile()); err == nil {
		_, _ = r.liner.ReadHistory(f)
		_ = f.Close()
	}

	fmt.Printf("shmcache - region %q\n", r.name)
	fmt.Println("Type 'help' for available commands.")
	fmt.Println()

	for {
		line, err := r.liner.Prompt("shmcache> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Println("\nBye!")
				break
			}

			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		r.liner.AppendHistory(line)

		parts := strings.Fields(line)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		switch cmd {
		case "exit", "quit", "q":
			fmt.Println("Bye!")
			r.saveHistory()

			return nil

		case "help", "?":
			r.printHelp()

		case "set":
			r.cmdSet(args)

		case "add":
			r.cmdAdd(args)

		case "replace":
			r.cmdReplace(args)

		case "get":
			r.cmdGet(args)

		case "exists":
			r.cmdExists(args)

		case "del", "delete":
			r.cmdDelete(args)

		case "incr", "increment":
			r.cmdIncrDecr(args, true)

		case "decr", "decrement":
			r.cmdIncrDecr(args, false)

		case "stats":
			r.cmdStats()

		case "verify":
			r.cmdVerify()

		case "flush":
			r.cmdFlush()

		case "clear", "cls":
			fmt.Print("\033[H\033[2J")

		default:
			fmt.Printf("Unknown command: %s (type 'help' for commands)\n", cmd)
		}
	}

	r.saveHistory()

	return nil
}

func (r *REPL) saveHistory() {
	path := historyFile()
	if path == "" {
		return
	}

	if f, err := os.Create(path); err == nil {
		_, _ = r.liner.WriteHistory(f)
		_ = f.Close()
	}
}

func (r *REPL) completer(line string) []string {
	commands := []string{
		"set", "add", "replace", "get", "exists", "del", "delete",
		"incr", "increment", "decr", "decrement",
		"stats", "verify", "flush", "clear", "cls",
		"help", "exit", "quit", "q",
	}

	var completions []string

	lower := strings.ToLower(line)
	for _, cmd := range commands {
		if strings.HasPrefix(cmd, lower) {
			completions = append(completions, cmd)
		}
	}

	return completions
}

func (r *REPL) printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  set <key> <value>       Store value under key")
	fmt.Println("  add <key> <value>       Store only if key is absent")
	fmt.Println("  replace <key> <value>   Store only if key exists")
	fmt.Println("  get <key>               Retrieve a value")
	fmt.Println("  exists <key>            Report whether key is present")
	fmt.Println("  del <key>               Delete a key")
	fmt.Println("  incr <key> [delta]      Increment a numeric value (default delta 1)")
	fmt.Println("  decr <key> [delta]      Decrement a numeric value (default delta 1)")
	fmt.Println("  stats                   Show counters and structural facts")
	fmt.Println("  verify                  Check region invariants")
	fmt.Println("  flush                   Clear every key")
	fmt.Println("  help                    Show this help")
	fmt.Println("  exit / quit / q         Exit")
	fmt.Println()
	fmt.Println("Keys and values: hex (e.g. 'deadbeef') or plain text (e.g. 'foo').")
}

// parseBytes tries hex first, falling back to the literal text — mirroring
// how a user is most likely to type either a binary probe value or a
// plain key.
func parseBytes(s string) []byte {
	if raw, err := hex.DecodeString(s); err == nil && len(s)%2 == 0 {
		return raw
	}

	return []byte(s)
}

// formatBytes prints printable ASCII as a quoted string, anything else as
// hex.
func formatBytes(b []byte) string {
	printable := true

	for _, c := range b {
		if c < 32 || c > 126 {
			printable = false
			break
		}
	}

	if printable {
		return fmt.Sprintf("%q", string(b))
	}

	return hex.EncodeToString(b)
}

func (r *REPL) cmdSet(args []string) {
	if len(args) < 2 {
		fmt.Println("Usage: set <key> <value>")
		return
	}

	if err := r.cache.Set(parseBytes(args[0]), parseBytes(args[1]), 0); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	fmt.Println("OK")
}

func (r *REPL) cmdAdd(args []string) {
	if len(args) < 2 {
		fmt.Println("Usage: add <key> <value>")
		return
	}

	if err := r.cache.Add(parseBytes(args[0]), parseBytes(args[1]), 0); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	fmt.Println("OK")
}

func (r *REPL) cmdReplace(args []string) {
	if len(args) < 2 {
		fmt.Println("Usage: replace <key> <value>")
		return
	}

	if err := r.cache.Replace(parseBytes(args[0]), parseBytes(args[1]), 0); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	fmt.Println("OK")
}

func (r *REPL) cmdGet(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: get <key>")
		return
	}

	value, err := r.cache.Get(parseBytes(args[0]))
	if err != nil {
		if errors.Is(err, shmcache.ErrNotFound) {
			fmt.Println("(not found)")
			return
		}

		fmt.Printf("Error: %v\n", err)

		return
	}

	fmt.Println(formatBytes(value))
}

func (r *REPL) cmdExists(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: exists <key>")
		return
	}

	ok, err := r.cache.Exists(parseBytes(args[0]))
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	fmt.Println(ok)
}

func (r *REPL) cmdDelete(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: del <key>")
		return
	}

	err := r.cache.Delete(parseBytes(args[0]))

	switch {
	case err == nil:
		fmt.Println("OK")
	case errors.Is(err, shmcache.ErrNotFound):
		fmt.Println("(not found)")
	default:
		fmt.Printf("Error: %v\n", err)
	}
}

func (r *REPL) cmdIncrDecr(args []string, up bool) {
	if len(args) < 1 {
		fmt.Println("Usage: incr|decr <key> [delta]")
		return
	}

	delta := uint64(1)

	if len(args) >= 2 {
		parsed, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			fmt.Printf("Error parsing delta: %v\n", err)
			return
		}

		delta = parsed
	}

	var (
		next uint64
		err  error
	)

	if up {
		next, err = r.cache.Increment(parseBytes(args[0]), delta)
	} else {
		next, err = r.cache.Decrement(parseBytes(args[0]), delta)
	}

	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	fmt.Println(next)
}

func (r *REPL) cmdStats() {
	snap, err := r.cache.Stats()
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	fmt.Printf("items:            %d\n", snap.Items)
	fmt.Printf("used_value_bytes: %d\n", snap.UsedValueBytes)
	fmt.Printf("hits:             %d\n", snap.Hits)
	fmt.Printf("misses:           %d\n", snap.Misses)
	fmt.Printf("oldest_zone:      %d\n", snap.OldestZoneIndex)
	fmt.Printf("zone_count:       %d\n", snap.ZoneCount)
	fmt.Printf("live_zone_count:  %d\n", snap.LiveZoneCount)
	fmt.Printf("bucket_count:     %d\n", snap.BucketCount)
}

func (r *REPL) cmdVerify() {
	if err := r.cache.Verify(); err != nil {
		fmt.Printf("corrupt: %v\n", err)
		return
	}

	fmt.Println("OK: region invariants hold")
}

func (r *REPL) cmdFlush() {
	if err := r.cache.Flush(); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	fmt.Println("OK")
}
