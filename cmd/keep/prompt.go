package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/term"

	"keep/internal/jobs"
)

// passphraseEnv overrides the interactive prompt, for scripted use.
const passphraseEnv = "KEEP_PASSPHRASE"

// readPassphrase reads the passphrase from KEEP_PASSPHRASE or prompts on the
// terminal without echo. With confirm set the prompt asks twice.
func readPassphrase(confirm bool) (string, error) {
	if p, ok := os.LookupEnv(passphraseEnv); ok {
		return p, nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("no terminal to prompt on; set %s", passphraseEnv)
	}

	p, err := prompt(fd, "Passphrase: ")
	if err != nil {
		return "", err
	}
	if confirm {
		again, err := prompt(fd, "Repeat passphrase: ")
		if err != nil {
			return "", err
		}
		if again != p {
			return "", errors.New("passphrases do not match")
		}
	}
	return p, nil
}

func prompt(fd int, label string) (string, error) {
	fmt.Fprint(os.Stderr, label)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	return string(b), nil
}

// progressPrinter renders job progress on a single terminal line.
type progressPrinter struct {
	w       io.Writer
	enabled bool
	dirty   bool
}

func newProgressPrinter(f *os.File) *progressPrinter {
	return &progressPrinter{w: f, enabled: term.IsTerminal(int(f.Fd()))}
}

func (p *progressPrinter) Watch(st jobs.Status) {
	if !p.enabled || st.Stage == "" {
		return
	}
	line := st.Stage
	if st.Total > 0 {
		line = fmt.Sprintf("%s %3d%% (%s / %s)", st.Stage, st.Done*100/st.Total,
			humanize.IBytes(uint64(st.Done)), humanize.IBytes(uint64(st.Total)))
	} else if st.Done > 0 {
		line = fmt.Sprintf("%s %s", st.Stage, humanize.IBytes(uint64(st.Done)))
	}
	fmt.Fprintf(p.w, "\r\033[K%s", line)
	p.dirty = true
}

// Done clears the progress line.
func (p *progressPrinter) Done() {
	if p.dirty {
		fmt.Fprint(p.w, "\r\033[K")
		p.dirty = false
	}
}

func formatDays(d time.Duration) string {
	days := int(d / (24 * time.Hour))
	if days == 1 {
		return "1 day"
	}
	return fmt.Sprintf("%d days", days)
}
