package iocli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// Stdio реализует IO поверх произвольных потоков, по умолчанию stdin/stdout
type Stdio struct {
	in     *bufio.Reader
	out    io.Writer
	inFd   int
	outFd  int
	hasFds bool
}

// NewStdio создает IO поверх os.Stdin и os.Stdout
func NewStdio() IO {
	return &Stdio{
		in:     bufio.NewReader(os.Stdin),
		out:    os.Stdout,
		inFd:   int(os.Stdin.Fd()),
		outFd:  int(os.Stdout.Fd()),
		hasFds: true,
	}
}

// New создает IO поверх переданных потоков; такой IO никогда не терминал
func New(in io.Reader, out io.Writer) IO {
	return &Stdio{in: bufio.NewReader(in), out: out}
}

func (s *Stdio) Println(a ...any) {
	fmt.Fprintln(s.out, a...)
}

func (s *Stdio) Printf(format string, a ...any) {
	fmt.Fprintf(s.out, format, a...)
}

func (s *Stdio) Write(p []byte) (int, error) {
	return s.out.Write(p)
}

func (s *Stdio) IsTerminal() bool {
	return s.hasFds && term.IsTerminal(s.outFd)
}

func (s *Stdio) ReadInput(prompt string) (string, error) {
	s.Printf("%s", prompt)
	input, err := s.in.ReadString('\n')
	if err != nil && (err != io.EOF || input == "") {
		return "", err
	}
	return strings.TrimSpace(input), nil
}

func (s *Stdio) ReadSecret(prompt string) (string, error) {
	if !s.hasFds || !term.IsTerminal(s.inFd) {
		return s.ReadInput(prompt)
	}

	s.Printf("%s", prompt)
	secret, err := term.ReadPassword(s.inFd)
	s.Println("")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(secret)), nil
}
