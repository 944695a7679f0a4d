package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/peterh/liner"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/vrdanmaku/danmaku/internal/logging"
	"github.com/vrdanmaku/danmaku/internal/ws"
	"github.com/vrdanmaku/danmaku/pkg/client"
)

const usage = `commands:
  video <index> <link>         select a video channel
  say <time> <position> <text> submit an annotation
  del <time> <text>            delete an annotation
  list                         show annotations of the selected video
  videos                       request the video list
  quit`

var commands = []string{"video", "say", "del", "list", "videos", "help", "quit"}

var (
	serverURL string
	logLevel  string
)

var rootCmd = &cobra.Command{
	Use:          "danmaku-client",
	Short:        "Interactive client for a danmaku server",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		logging.Init(logging.Config{Level: logLevel, Format: "console"})

		c := client.NewClient(serverURL)
		if err := connect(cmd, c); err != nil {
			return err
		}
		if err := c.Run(); err != nil {
			return err
		}
		defer func() { _ = c.Close() }()

		out := cmd.OutOrStdout()
		c.OnEvent(func(m ws.Message) {
			if m.Type == string(ws.EventNewAnnotation) || m.Type == string(ws.EventAnnotationDeleted) {
				fmt.Fprintf(out, "\n<- %s %s\n", m.Type, m.Data)
			}
		})

		fmt.Fprintln(out, usage)
		return repl(c, out)
	},
}

func connect(cmd *cobra.Command, c *client.Client) error {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return c.Connect(cmd.Context())
	}
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	s.Suffix = " Connecting to " + serverURL + "..."
	s.Start()
	err := c.Connect(cmd.Context())
	s.Stop()
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "✓ Connected")
	return nil
}

type prompter interface {
	Prompt(string) (string, error)
	Close() error
}

type scannerPrompt struct {
	scanner *bufio.Scanner
	out     io.Writer
}

func (s scannerPrompt) Prompt(p string) (string, error) {
	fmt.Fprint(s.out, p)
	if !s.scanner.Scan() {
		if err := s.scanner.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return s.scanner.Text(), nil
}

func (scannerPrompt) Close() error { return nil }

type linerPrompt struct {
	*liner.State
}

func (l linerPrompt) Prompt(p string) (string, error) {
	line, err := l.State.Prompt(p)
	if err == nil && strings.TrimSpace(line) != "" {
		l.AppendHistory(line)
	}
	return line, err
}

func newPrompter(out io.Writer) prompter {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return scannerPrompt{scanner: bufio.NewScanner(os.Stdin), out: out}
	}
	state := liner.NewLiner()
	state.SetCtrlCAborts(true)
	state.SetCompleter(func(line string) []string {
		var matches []string
		for _, c := range commands {
			if strings.HasPrefix(c, strings.ToLower(line)) {
				matches = append(matches, c)
			}
		}
		return matches
	})
	return linerPrompt{State: state}
}

func repl(c *client.Client, out io.Writer) error {
	p := newPrompter(out)
	defer func() { _ = p.Close() }()

	for {
		select {
		case <-c.Done():
			fmt.Fprintln(out, "server closed the connection")
			return nil
		default:
		}

		prompt := "> "
		if link := c.VideoLink(); link != "" {
			prompt = "[" + link + "] > "
		}
		line, err := p.Prompt(prompt)
		if errors.Is(err, io.EOF) || errors.Is(err, liner.ErrPromptAborted) {
			return nil
		}
		if err != nil {
			return err
		}

		quit, err := execute(c, out, strings.Fields(line), line)
		if err != nil {
			fmt.Fprintln(out, err)
		}
		if quit {
			return nil
		}
	}
}

func execute(c *client.Client, out io.Writer, fields []string, raw string) (bool, error) {
	if len(fields) == 0 {
		return false, nil
	}
	switch strings.ToLower(fields[0]) {
	case "video", "v":
		if len(fields) != 3 {
			return false, errors.New("usage: video <index> <link>")
		}
		index, err := strconv.Atoi(fields[1])
		if err != nil || index < 0 {
			return false, errors.New("invalid video index")
		}
		return false, c.SelectVideo(index, fields[2])

	case "say", "s":
		if len(fields) < 4 {
			return false, errors.New("usage: say <time> <position> <text>")
		}
		at, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return false, errors.New("invalid time")
		}
		return false, c.Annotate(textAfter(raw, 3), at, fields[2])

	case "del", "d":
		if len(fields) < 3 {
			return false, errors.New("usage: del <time> <text>")
		}
		at, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return false, errors.New("invalid time")
		}
		return false, c.Delete(textAfter(raw, 2), at)

	case "list", "l":
		for i, r := range c.Annotations() {
			fmt.Fprintf(out, "%3d  %8.3fs  %-8s %s\n", i, r.Time, r.Position, r.Text)
		}
		return false, nil

	case "videos":
		if err := c.RequestVideoList(); err != nil {
			return false, err
		}
		for _, v := range c.Videos() {
			fmt.Fprintf(out, "%s  %s  %s\n", v.ID, v.Name, v.URL)
		}
		return false, nil

	case "help", "h", "?":
		fmt.Fprintln(out, usage)
		return false, nil

	case "quit", "q", "exit":
		return true, nil

	default:
		return false, fmt.Errorf("unknown command %q", fields[0])
	}
}

// textAfter returns raw with its first n fields removed, keeping inner spacing.
func textAfter(raw string, n int) string {
	rest := strings.TrimSpace(raw)
	for range n {
		i := strings.IndexFunc(rest, func(r rune) bool { return r == ' ' || r == '\t' })
		if i < 0 {
			return ""
		}
		rest = strings.TrimSpace(rest[i:])
	}
	return rest
}

func init() {
	rootCmd.Flags().StringVarP(&serverURL, "server", "s", "ws://localhost:8080/ws", "websocket URL of the server")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "warn", "log level")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
