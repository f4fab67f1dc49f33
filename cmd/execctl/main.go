// Command execctl sends a source file to a running executor and prints what
// it wrote. Its exit status is the program's exit code.
//
//	execctl --url http://localhost:4000 --secret $EXECUTION_SECRET --lang python --file main.py
//	execctl --secret $EXECUTION_SECRET --mint --token-ttl 1h
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/sakif/code-executor/internal/auth"
	"github.com/sakif/code-executor/internal/client"
	"github.com/sakif/code-executor/internal/executor"
)

// languageByExt is used when --lang is omitted.
var languageByExt = map[string]string{
	".py": "python",
	".js": "javascript",
	".rb": "ruby",
	".sh": "bash",
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("execctl", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		urlFlag     string
		secretFlag  string
		langFlag    string
		fileFlag    string
		stdinFlag   string
		timeoutFlag time.Duration
		tokenTTL    time.Duration
		mintFlag    bool
	)
	fs.StringVar(&urlFlag, "url", envOr("EXECUTOR_URL", "http://localhost:4000"), "Executor base URL (overrides EXECUTOR_URL)")
	fs.StringVar(&secretFlag, "secret", os.Getenv("EXECUTION_SECRET"), "Shared secret (overrides EXECUTION_SECRET)")
	fs.StringVarP(&langFlag, "lang", "l", "", "Language key; inferred from the file extension when omitted")
	fs.StringVarP(&fileFlag, "file", "f", "", "Source file to run")
	fs.StringVar(&stdinFlag, "stdin", "", "File passed to the program as standard input (- for this process's stdin)")
	fs.DurationVar(&timeoutFlag, "timeout", 10*time.Second, "Request timeout")
	fs.DurationVar(&tokenTTL, "token-ttl", 0, "Send a signed token with this lifetime instead of the raw secret")
	fs.BoolVar(&mintFlag, "mint", false, "Print a signed service token and exit")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: execctl [flags] --file <source>\n       execctl --mint [--token-ttl 15m]\n\nFlags:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	if secretFlag == "" {
		fmt.Fprintln(stderr, "execctl: --secret or EXECUTION_SECRET is required")
		return 2
	}

	if mintFlag {
		ttl := tokenTTL
		if ttl <= 0 {
			ttl = auth.DefaultTokenTTL
		}
		token, err := mint(secretFlag, ttl)
		if err != nil {
			fmt.Fprintf(stderr, "execctl: %v\n", err)
			return 1
		}
		fmt.Fprintln(stdout, token)
		return 0
	}

	if fileFlag == "" {
		fs.Usage()
		return 2
	}
	code, err := os.ReadFile(fileFlag)
	if err != nil {
		fmt.Fprintf(stderr, "execctl: %v\n", err)
		return 1
	}

	lang := langFlag
	if lang == "" {
		lang = languageByExt[filepath.Ext(fileFlag)]
		if lang == "" {
			fmt.Fprintf(stderr, "execctl: cannot infer language of %s, pass --lang\n", fileFlag)
			return 2
		}
	}

	req := executor.ExecutionRequest{Language: lang, Code: string(code)}
	if stdinFlag != "" {
		in, err := readInput(stdinFlag)
		if err != nil {
			fmt.Fprintf(stderr, "execctl: reading stdin: %v\n", err)
			return 1
		}
		req.Stdin = string(in)
	}

	bearer := secretFlag
	if tokenTTL > 0 {
		if bearer, err = mint(secretFlag, tokenTTL); err != nil {
			fmt.Fprintf(stderr, "execctl: %v\n", err)
			return 1
		}
	}

	c, err := client.New(urlFlag, bearer, timeoutFlag)
	if err != nil {
		fmt.Fprintf(stderr, "execctl: %v\n", err)
		return 2
	}

	res, err := c.Execute(context.Background(), req)
	if err != nil {
		fmt.Fprintf(stderr, "execctl: %v\n", err)
		return 1
	}

	writeStream(stdout, res.Stdout)
	writeStream(stderr, res.Stderr)
	if res.TimedOut {
		fmt.Fprintln(stderr, "execctl: execution timed out")
	}
	if res.Truncated {
		fmt.Fprintln(stderr, "execctl: output was truncated")
	}
	return res.ExitCode
}

func mint(secret string, ttl time.Duration) (string, error) {
	tokens, err := auth.NewTokenService(secret)
	if err != nil {
		return "", err
	}
	return tokens.GenerateWithDuration("execctl", ttl)
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

// writeStream prints s and restores the trailing newline the executor trims.
func writeStream(w io.Writer, s string) {
	if s == "" {
		return
	}
	fmt.Fprintln(w, s)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
