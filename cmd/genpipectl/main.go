package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/loqalabs/genpipe/internal/backoff"
	"github.com/loqalabs/genpipe/internal/config"
	"github.com/loqalabs/genpipe/internal/segment"
)

var version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'validate', 'split', 'schedule' or 'version'")
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "validate":
		err = runValidate(os.Args[2:], os.Stdout)
	case "split":
		err = runSplit(os.Args[2:], os.Stdin, os.Stdout)
	case "schedule":
		err = runSchedule(os.Args[2:], os.Stdout)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runValidate(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	path := fs.String("config", "genpipe.yaml", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if _, err := config.Load(*path); err != nil {
		return err
	}
	fmt.Fprintln(out, "config valid")
	return nil
}

// runSplit prints the playback segments of the text read from in, one JSON
// object per line.
func runSplit(args []string, in io.Reader, out io.Writer) error {
	fs := flag.NewFlagSet("split", flag.ContinueOnError)
	maxChars := fs.Int("max-chars", 0, "Split segments longer than this many characters")
	normalize := fs.Bool("normalize", true, "Collapse runs of whitespace")
	if err := fs.Parse(args); err != nil {
		return err
	}
	text, err := io.ReadAll(in)
	if err != nil {
		return err
	}
	splitter := segment.NewSplitter(segment.Options{MaxChars: *maxChars, NormalizeWhitespace: *normalize})
	w := bufio.NewWriter(out)
	enc := json.NewEncoder(w)
	for seg := range splitter.Split(string(text)).All() {
		if err := enc.Encode(seg); err != nil {
			return err
		}
	}
	return w.Flush()
}

// runSchedule prints the attempt timeouts and retry waits a configuration
// produces.
func runSchedule(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("schedule", flag.ContinueOnError)
	path := fs.String("config", "", "Path to configuration file; defaults when empty")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := config.Load(*path)
	if err != nil {
		return err
	}
	p := cfg.Pipeline
	policy := backoff.Policy{
		BaseTimeout: config.Millis(p.BaseTimeoutMS),
		TimeoutStep: config.Millis(p.TimeoutStepMS),
		BaseWait:    config.Millis(p.BaseWaitMS),
		AbortWait:   config.Millis(p.AbortWaitMS),
		MaxAttempts: p.MaxAttempts,
	}
	for n := 1; n <= policy.Attempts(); n++ {
		fmt.Fprintf(out, "attempt %d: timeout %s", n, policy.AttemptTimeout(n))
		if n < policy.Attempts() {
			fmt.Fprintf(out, ", wait after failure %s, after timeout %s",
				policy.NextDelay(n, backoff.Failure), policy.NextDelay(n, backoff.Timeout))
		}
		fmt.Fprintln(out)
	}
	return nil
}
