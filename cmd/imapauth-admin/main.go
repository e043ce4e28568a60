package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/migadu/imapauth/config"
	"github.com/migadu/imapauth/logger"
	"github.com/migadu/imapauth/provider"
	"github.com/migadu/imapauth/verifier"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "verify":
		os.Exit(handleVerify(os.Args[2:], os.Stdin, os.Stdout))
	case "exists":
		os.Exit(handleExists(os.Args[2:], os.Stdout))
	case "descriptor":
		os.Exit(handleDescriptor(os.Args[2:], os.Stdout))
	case "config-check":
		os.Exit(handleConfigCheck(os.Args[2:], os.Stdout))
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`imapauth Admin Tool

Usage:
  imapauth-admin <command> [options]

Commands:
  verify        Check a username and password against the mailbox server
  exists        Ask the mail-transfer server whether a user exists
  descriptor    Print the connection descriptor of the mailbox server
  config-check  Load and validate a configuration file
  help          Show this help message

Examples:
  imapauth-admin verify --config /etc/imapauth.toml --username user@example.com --password-stdin
  imapauth-admin exists --config /etc/imapauth.toml --username user@example.com
  imapauth-admin descriptor --config /etc/imapauth.toml
  imapauth-admin config-check --config /etc/imapauth.toml

Use 'imapauth-admin <command> --help' for more information about a command.
`)
}

// loadConfig reads and validates the configuration, then configures logging
// to stderr so command output stays clean.
func loadConfig(path string, debug bool) (config.Config, error) {
	cfg := config.NewDefaultConfig()
	if err := config.LoadConfigFromFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to load configuration from %s: %w", path, err)
	}
	// The admin tool never serves the API.
	cfg.API.Start = false
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}

	logCfg := cfg.Logging
	logCfg.Output = "stderr"
	if debug {
		logCfg.Level = "debug"
	} else {
		logCfg.Level = "warn"
	}
	if _, err := logger.Initialize(logCfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func handleVerify(args []string, stdin io.Reader, stdout io.Writer) int {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)

	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	username := fs.String("username", "", "Username to verify (required)")
	password := fs.String("password", "", "Password to verify")
	passwordStdin := fs.Bool("password-stdin", false, "Read the password from the first line of stdin")
	timeout := fs.Duration("timeout", time.Minute, "Overall timeout")
	debug := fs.Bool("debug", false, "Log the IMAP exchange (credentials redacted)")

	fs.Usage = func() {
		fmt.Printf(`Check a username and password against the mailbox server

Usage:
  imapauth-admin verify --username <user> [--password <pass> | --password-stdin] [options]

Options:
  --username string    Username to verify (required)
  --password string    Password to verify
  --password-stdin     Read the password from the first line of stdin
  --config string      Path to TOML configuration file (default: config.toml)
  --timeout duration   Overall timeout (default: 1m)
  --debug              Log the IMAP exchange (credentials redacted)

Exit status is 0 when the credentials are accepted and 1 otherwise.
`)
	}

	if err := fs.Parse(args); err != nil {
		log.Fatalf("Error parsing flags: %v", err)
	}

	if *username == "" {
		fmt.Fprintln(os.Stderr, "Error: --username is required")
		fs.Usage()
		return 2
	}
	if *passwordStdin {
		line, err := bufio.NewReader(stdin).ReadString('\n')
		if err != nil && err != io.EOF {
			fmt.Fprintf(os.Stderr, "Error reading password: %v\n", err)
			return 2
		}
		*password = strings.TrimRight(line, "\r\n")
	}

	cfg, err := loadConfig(*configPath, *debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}
	p, err := provider.NewFromConfig(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	verdict := p.BeginPrimaryAuthentication(ctx, []provider.Request{provider.NewPasswordRequest(*username, *password)})
	if verdict.Status != provider.StatusPass {
		fmt.Fprintln(stdout, "ABSTAIN")
		return 1
	}
	fmt.Fprintf(stdout, "PASS %s\n", verdict.Username)
	return 0
}

func handleExists(args []string, stdout io.Writer) int {
	fs := flag.NewFlagSet("exists", flag.ExitOnError)

	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	username := fs.String("username", "", "Username to look up (required)")
	timeout := fs.Duration("timeout", time.Minute, "Overall timeout")
	debug := fs.Bool("debug", false, "Enable debug logging")

	fs.Usage = func() {
		fmt.Printf(`Ask the mail-transfer server whether a user exists

Usage:
  imapauth-admin exists --username <user> [options]

Options:
  --username string    Username to look up (required)
  --config string      Path to TOML configuration file (default: config.toml)
  --timeout duration   Overall timeout (default: 1m)
  --debug              Enable debug logging

Exit status is 0 when the user exists and 1 otherwise. An unreachable
server reports the user as existing.
`)
	}

	if err := fs.Parse(args); err != nil {
		log.Fatalf("Error parsing flags: %v", err)
	}
	if *username == "" {
		fmt.Fprintln(os.Stderr, "Error: --username is required")
		fs.Usage()
		return 2
	}

	cfg, err := loadConfig(*configPath, *debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}
	p, err := provider.NewFromConfig(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if !p.TestUserExists(ctx, *username, provider.ReadLatest) {
		fmt.Fprintln(stdout, "NOT FOUND")
		return 1
	}
	fmt.Fprintln(stdout, "EXISTS")
	return 0
}

func handleDescriptor(args []string, stdout io.Writer) int {
	fs := flag.NewFlagSet("descriptor", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")

	if err := fs.Parse(args); err != nil {
		log.Fatalf("Error parsing flags: %v", err)
	}

	cfg, err := loadConfig(*configPath, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}
	desc, err := verifier.DescriptorFromConfig(cfg.Mailbox)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}

	fmt.Fprintln(stdout, desc.String())
	return 0
}

func handleConfigCheck(args []string, stdout io.Writer) int {
	fs := flag.NewFlagSet("config-check", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")

	if err := fs.Parse(args); err != nil {
		log.Fatalf("Error parsing flags: %v", err)
	}

	cfg := config.NewDefaultConfig()
	if err := config.LoadConfigFromFile(*configPath, &cfg); err != nil {
		fmt.Fprintf(stdout, "✗ %s: %v\n", *configPath, err)
		return 1
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stdout, "✗ %s: %v\n", *configPath, err)
		return 1
	}

	fmt.Fprintf(stdout, "✓ %s is valid\n", *configPath)
	return 0
}
