// diskq is a command-line tool for inspecting and exercising disk
// queues.
//
// Usage:
//
//	diskq stat <dir>                 Show queue state
//	diskq enqueue <dir> <payload>... Enqueue payloads (or "-" for stdin)
//	diskq dequeue <dir>              Dequeue and print one payload
//	diskq drain <dir>                Dequeue and print until empty
//	diskq shell <dir>                Interactive REPL
//
// Flags:
//
//	-c, --config PATH        Config file (default: ~/.config/diskq/config.json)
//	    --max-file-size N    Data file rollover threshold in bytes
//	    --write-buffer N     Session write buffer in bytes
//	    --allow-truncated    Truncate a corrupt log tail instead of failing
//	-w, --wait DURATION      Retry a locked queue for up to DURATION
//
// Commands (in REPL):
//
//	enq <text>    Buffer an enqueue
//	deq           Tentatively dequeue and print
//	flush         Commit the current batch
//	revert        Abandon the current batch
//	count         Show the estimated entry count
//	help          Show this help
//	exit / quit   Flush nothing further and leave
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/peterh/liner"
	"github.com/spf13/pflag"
	"github.com/tailscale/hujson"

	"github.com/calvinalkan/diskq/pkg/diskqueue"
)

func main() {
	err := run(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// Config mirrors the recognized option set in the config file.
type Config struct {
	MaxFileSize           int64 `json:"max_file_size,omitempty"`
	WriteBufferSize       int   `json:"write_buffer_size,omitempty"`
	AllowTruncatedEntries bool  `json:"allow_truncated_entries,omitempty"`
	TimeoutLimitMS        int   `json:"timeout_limit_ms,omitempty"`
	SuggestedReadBuffer   int   `json:"suggested_read_buffer,omitempty"`
}

// loadConfig reads a JWCC config file. A missing default config is fine;
// a missing explicit one is an error.
func loadConfig(path string, explicit bool) (Config, error) {
	raw, err := os.ReadFile(path) //nolint:gosec // path is from the user
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return Config{}, nil
		}

		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}

	std, err := hujson.Standardize(raw)
	if err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}

	var cfg Config

	err = json.Unmarshal(std, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return cfg, nil
}

func defaultConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "diskq", "config.json")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".config", "diskq", "config.json")
}

func run(args []string) error {
	flags := pflag.NewFlagSet("diskq", pflag.ContinueOnError)

	configPath := flags.StringP("config", "c", "", "config file")
	maxFileSize := flags.Int64("max-file-size", 0, "data file rollover threshold in bytes")
	writeBuffer := flags.Int("write-buffer", 0, "session write buffer in bytes")
	allowTruncated := flags.Bool("allow-truncated", false, "truncate a corrupt log tail instead of failing")
	wait := flags.DurationP("wait", "w", 0, "retry a locked queue for up to this long")

	err := flags.Parse(args)
	if err != nil {
		return err
	}

	rest := flags.Args()
	if len(rest) < 2 {
		flags.PrintDefaults()

		return errors.New("usage: diskq <stat|enqueue|dequeue|drain|shell> <dir> [args]")
	}

	command, dir := rest[0], rest[1]

	explicit := *configPath != ""

	cfgPath := *configPath
	if cfgPath == "" {
		cfgPath = defaultConfigPath()
	}

	var cfg Config

	if cfgPath != "" {
		cfg, err = loadConfig(cfgPath, explicit)
		if err != nil {
			return err
		}
	}

	opts := diskqueue.Options{
		Path:                  dir,
		MaxFileSize:           cfg.MaxFileSize,
		WriteBufferSize:       cfg.WriteBufferSize,
		AllowTruncatedEntries: cfg.AllowTruncatedEntries,
		PendingWriteTimeout:   time.Duration(cfg.TimeoutLimitMS) * time.Millisecond,
		ReadBufferSize:        cfg.SuggestedReadBuffer,
	}

	if flags.Changed("max-file-size") {
		opts.MaxFileSize = *maxFileSize
	}

	if flags.Changed("write-buffer") {
		opts.WriteBufferSize = *writeBuffer
	}

	if flags.Changed("allow-truncated") {
		opts.AllowTruncatedEntries = *allowTruncated
	}

	q, err := openQueue(opts, *wait)
	if err != nil {
		return err
	}

	defer func() { _ = q.Close() }()

	switch command {
	case "stat":
		fmt.Printf("entries: %d\n", q.EstimatedCount())

		return nil
	case "enqueue":
		return cmdEnqueue(q, rest[2:])
	case "dequeue":
		return cmdDequeue(q, 1)
	case "drain":
		return cmdDequeue(q, -1)
	case "shell":
		return cmdShell(q)
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

func openQueue(opts diskqueue.Options, wait time.Duration) (*diskqueue.Queue, error) {
	if wait > 0 {
		return diskqueue.WaitFor(opts, wait)
	}

	return diskqueue.Open(opts)
}

func cmdEnqueue(q *diskqueue.Queue, payloads []string) error {
	if len(payloads) == 0 {
		return errors.New("enqueue: no payloads given")
	}

	s, err := q.OpenSession()
	if err != nil {
		return err
	}

	defer func() { _ = s.Close() }()

	for _, p := range payloads {
		data := []byte(p)

		if p == "-" {
			data, err = io.ReadAll(os.Stdin)
			if err != nil {
				return fmt.Errorf("reading stdin: %w", err)
			}
		}

		err = s.Enqueue(data)
		if err != nil {
			return err
		}
	}

	return s.Flush()
}

// cmdDequeue prints up to n payloads, one per line. n < 0 drains.
func cmdDequeue(q *diskqueue.Queue, n int) error {
	s, err := q.OpenSession()
	if err != nil {
		return err
	}

	defer func() { _ = s.Close() }()

	for i := 0; n < 0 || i < n; i++ {
		data, ok, err := s.Dequeue()
		if err != nil {
			return err
		}

		if !ok {
			break
		}

		fmt.Printf("%s\n", data)
	}

	return s.Flush()
}

func cmdShell(q *diskqueue.Queue) error {
	line := liner.NewLiner()
	defer func() { _ = line.Close() }()

	line.SetCtrlCAborts(true)

	s, err := q.OpenSession()
	if err != nil {
		return err
	}

	defer func() { _ = s.Close() }()

	fmt.Println("diskq shell. Type 'help' for commands.")

	for {
		input, readErr := line.Prompt("diskq> ")
		if readErr == liner.ErrPromptAborted || readErr == io.EOF {
			return nil
		}

		if readErr != nil {
			return readErr
		}

		line.AppendHistory(input)

		done, cmdErr := shellCommand(q, &s, input)
		if cmdErr != nil {
			fmt.Printf("error: %v\n", cmdErr)
		}

		if done {
			return nil
		}
	}
}

// shellCommand executes one REPL line. The session pointer may be
// replaced when the current batch is reverted.
func shellCommand(q *diskqueue.Queue, s **diskqueue.Session, input string) (bool, error) {
	cmd, arg, _ := strings.Cut(input, " ")

	switch cmd {
	case "":
		return false, nil
	case "enq":
		return false, (*s).Enqueue([]byte(arg))
	case "deq":
		data, ok, err := (*s).Dequeue()
		if err != nil {
			return false, err
		}

		if !ok {
			fmt.Println("(empty)")
		} else {
			fmt.Printf("%s\n", data)
		}

		return false, nil
	case "flush":
		return false, (*s).Flush()
	case "revert":
		err := (*s).Close()
		if err != nil {
			return false, err
		}

		next, err := q.OpenSession()
		if err != nil {
			return true, err
		}

		*s = next

		return false, nil
	case "count":
		fmt.Printf("%d\n", q.EstimatedCount())

		return false, nil
	case "help":
		fmt.Println("commands: enq <text>, deq, flush, revert, count, help, exit")

		return false, nil
	case "exit", "quit", "q":
		return true, nil
	default:
		return false, fmt.Errorf("unknown command %q (try 'help')", cmd)
	}
}
