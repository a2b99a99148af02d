// Package tui holds terminal prompts and the interactive views of the CLI.
package tui

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// MinPassphraseLength is enforced when a new passphrase is chosen.
const MinPassphraseLength = 8

var (
	// ErrPassphraseMismatch is returned when the confirmation differs.
	ErrPassphraseMismatch = errors.New("passphrases do not match")
	// ErrPassphraseTooShort is returned for new passphrases under the minimum.
	ErrPassphraseTooShort = fmt.Errorf("passphrase must be at least %d characters", MinPassphraseLength)
)

// stdin is shared so that piped input survives several prompts.
var (
	stdinMu     sync.Mutex
	stdinReader *bufio.Reader
	promptOut   io.Writer = os.Stderr
)

func lineReader() *bufio.Reader {
	if stdinReader == nil {
		stdinReader = bufio.NewReader(os.Stdin)
	}
	return stdinReader
}

func readLine() (string, error) {
	stdinMu.Lock()
	defer stdinMu.Unlock()
	line, err := lineReader().ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// ReadPassword reads a passphrase without echo. Off a terminal it reads one
// line of stdin, so scripts can pipe it in.
func ReadPassword(prompt string) ([]byte, error) {
	fmt.Fprint(promptOut, prompt)

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		line, err := readLine()
		if err != nil {
			return nil, fmt.Errorf("read passphrase: %w", err)
		}
		return []byte(line), nil
	}

	password, err := term.ReadPassword(fd)
	fmt.Fprintln(promptOut)
	if err != nil {
		return nil, fmt.Errorf("read passphrase: %w", err)
	}
	return password, nil
}

// ReadNewPassword asks for a new passphrase twice.
func ReadNewPassword(prompt, confirmPrompt string) ([]byte, error) {
	password, err := ReadPassword(prompt)
	if err != nil {
		return nil, err
	}
	if len(password) < MinPassphraseLength {
		return nil, ErrPassphraseTooShort
	}
	confirm, err := ReadPassword(confirmPrompt)
	if err != nil {
		return nil, err
	}
	if string(password) != string(confirm) {
		return nil, ErrPassphraseMismatch
	}
	return password, nil
}

// Confirm prompts for a yes/no answer
func Confirm(prompt string, defaultYes bool) (bool, error) {
	hint := "[y/N]"
	if defaultYes {
		hint = "[Y/n]"
	}
	fmt.Fprintf(promptOut, "%s %s ", prompt, hint)

	response, err := readLine()
	if err != nil {
		return false, err
	}
	switch strings.TrimSpace(strings.ToLower(response)) {
	case "y", "yes":
		return true, nil
	case "n", "no":
		return false, nil
	default:
		return defaultYes, nil
	}
}

// ReadLine reads a line of input
func ReadLine(prompt string) (string, error) {
	fmt.Fprint(promptOut, prompt)
	line, err := readLine()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// ReadLineDefault reads a line, returning defaultValue for empty input
func ReadLineDefault(prompt, defaultValue string) (string, error) {
	if defaultValue != "" {
		prompt = fmt.Sprintf("%s [%s]: ", strings.TrimSuffix(prompt, ": "), defaultValue)
	}
	line, err := ReadLine(prompt)
	if err != nil {
		return "", err
	}
	if line == "" {
		return defaultValue, nil
	}
	return line, nil
}

// IsTerminal returns true if stdin is a terminal
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// IsStdoutTerminal returns true if stdout is a terminal (not piped)
func IsStdoutTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}
