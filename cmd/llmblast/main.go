package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"llmblast/internal/dispatch"
	"llmblast/internal/llm"
	"llmblast/pkg/logger"
)

type options struct {
	provider  string
	model     string
	apiKeyEnv string
	input     string
	envFile   string
	logLevel  string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts, err := parseFlags(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		os.Exit(2)
	}
	if err := run(ctx, opts, os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "llmblast: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var opts options
	flags := flag.NewFlagSet("llmblast", flag.ContinueOnError)
	flags.StringVar(&opts.provider, "provider", "openai", "provider kind: openai or anthropic")
	flags.StringVar(&opts.model, "model", "gpt-4o-mini", "model identifier sent to the provider")
	flags.StringVar(&opts.apiKeyEnv, "api-key-env", "OPENAI_API_KEY", "environment variable holding the API key")
	flags.StringVar(&opts.input, "in", "-", "prompts file, or - for stdin; JSON array of strings or one prompt per line")
	flags.StringVar(&opts.envFile, "env", ".env", "dotenv file loaded before reading the API key")
	flags.StringVar(&opts.logLevel, "log-level", "warn", "log level written to stderr")
	if err := flags.Parse(args); err != nil {
		return options{}, err
	}
	return opts, nil
}

func run(ctx context.Context, opts options, stdin io.Reader, stdout io.Writer) error {
	if err := logger.Init(logger.Config{Level: opts.logLevel, Format: "text"}); err != nil {
		return err
	}
	defer logger.Sync()

	if opts.envFile != "" {
		if err := godotenv.Load(opts.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", opts.envFile, err)
		}
	}

	kind, err := llm.ParseKind(opts.provider)
	if err != nil {
		return err
	}
	apiKey := strings.TrimSpace(os.Getenv(opts.apiKeyEnv))
	if apiKey == "" {
		logger.L().Warn("API key is empty", slog.String("env", opts.apiKeyEnv))
	}

	prompts, err := loadPrompts(opts.input, stdin)
	if err != nil {
		return err
	}

	responses, err := dispatch.CallBatch(ctx, prompts, llm.NewProvider(kind, opts.model, apiKey))
	if err != nil {
		return err
	}
	encoder := json.NewEncoder(stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(responses)
}

func loadPrompts(path string, stdin io.Reader) ([]string, error) {
	var (
		data []byte
		err  error
	)
	if path == "" || path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read prompts: %w", err)
	}
	return parsePrompts(data)
}

// parsePrompts accepts a JSON array of strings or newline separated text.
// Text lines are kept verbatim apart from a trailing \r; blank lines are skipped.
// Input that starts with [ but is not valid JSON is read as text.
func parsePrompts(data []byte) ([]string, error) {
	if trimmed := bytes.TrimSpace(data); bytes.HasPrefix(trimmed, []byte("[")) && json.Valid(trimmed) {
		var prompts []string
		if err := json.Unmarshal(trimmed, &prompts); err != nil {
			return nil, fmt.Errorf("prompts must be a JSON array of strings: %w", err)
		}
		return prompts, nil
	}

	prompts := []string{}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		prompts = append(prompts, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read prompts: %w", err)
	}
	return prompts, nil
}
