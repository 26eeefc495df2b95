// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Permkeeper Contributors

// Package console drives permkeeper from a terminal: the interactive menu
// and the operations the non-interactive subcommands share with it.
package console

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/peterh/liner"

	"github.com/permkeeper/permkeeper/internal/perm"
)

// LineReader reads one line of operator input after showing a prompt.
type LineReader interface {
	Prompt(prompt string) (string, error)
	Close() error
}

// terminal reads lines with history and line editing.
type terminal struct {
	state *liner.State
}

// NewTerminal takes over the controlling terminal. liner falls back to
// plain reads when stdin is redirected. Close restores the terminal.
func NewTerminal() LineReader {
	state := liner.NewLiner()
	state.SetCtrlCAborts(true)
	return &terminal{state: state}
}

func (t *terminal) Prompt(prompt string) (string, error) {
	line, err := t.state.Prompt(prompt)
	if errors.Is(err, liner.ErrPromptAborted) {
		return "", perm.ErrAborted()
	}
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(line) != "" {
		t.state.AppendHistory(line)
	}
	return line, nil
}

func (t *terminal) Close() error { return t.state.Close() }

// plainReader reads newline-terminated answers from any reader.
type plainReader struct {
	in  *bufio.Reader
	out io.Writer
}

// NewPlainReader reads answers from in and writes prompts to out.
func NewPlainReader(in io.Reader, out io.Writer) LineReader {
	return &plainReader{in: bufio.NewReader(in), out: out}
}

func (p *plainReader) Prompt(prompt string) (string, error) {
	if _, err := io.WriteString(p.out, prompt); err != nil {
		return "", err
	}
	line, err := p.in.ReadString('\n')
	if err != nil && (!errors.Is(err, io.EOF) || line == "") {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (p *plainReader) Close() error { return nil }

// Prompter asks the operator questions. It implements preview.Asker.
type Prompter struct {
	lines LineReader
	out   io.Writer
}

// NewPrompter creates a prompter reading from lines and printing menus
// to out.
func NewPrompter(lines LineReader, out io.Writer) *Prompter {
	return &Prompter{lines: lines, out: out}
}

// Ask shows question and returns the trimmed answer.
func (p *Prompter) Ask(question string) (string, error) {
	answer, err := p.lines.Prompt(question)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(answer), nil
}

// AskDefault is Ask with a value used when the answer is blank.
func (p *Prompter) AskDefault(question, fallback string) (string, error) {
	answer, err := p.Ask(fmt.Sprintf("%s [%s]: ", question, fallback))
	if err != nil {
		return "", err
	}
	if answer == "" {
		return fallback, nil
	}
	return answer, nil
}

// Choose lists options under title and returns the 0-based index picked.
// Invalid input is reported and asked again.
func (p *Prompter) Choose(title string, options []string) (int, error) {
	fmt.Fprintf(p.out, "\n%s\n", title)
	for i, opt := range options {
		fmt.Fprintf(p.out, "%2d. %s\n", i+1, opt)
	}
	for {
		answer, err := p.Ask(fmt.Sprintf("Select [1-%d]: ", len(options)))
		if err != nil {
			return 0, err
		}
		n, err := strconv.Atoi(answer)
		if err == nil && n >= 1 && n <= len(options) {
			return n - 1, nil
		}
		fmt.Fprintln(p.out, "Invalid selection.")
	}
}

// Close releases the underlying reader.
func (p *Prompter) Close() error { return p.lines.Close() }
