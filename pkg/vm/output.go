package vm

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// OutputKind tags a CommandOutput event.
type OutputKind int

const (
	OutputStdout OutputKind = iota
	OutputStderr
	OutputExit
)

func (k OutputKind) String() string {
	switch k {
	case OutputStdout:
		return "stdout"
	case OutputStderr:
		return "stderr"
	case OutputExit:
		return "exit"
	default:
		return "unknown"
	}
}

// CommandOutput is one event of a command stream.
type CommandOutput struct {
	Kind     OutputKind
	Line     string
	ExitCode int
}

// CommandResult aggregates a finished command.
type CommandResult struct {
	ExitCode int
	Log      string
}

// StreamBuffer is the capacity of the shared output channel.
const StreamBuffer = 32

// ExitUnknown is reported when the exit status cannot be determined.
const ExitUnknown = -1

// ErrStreamTruncated indicates a stream closed without an exit event.
var ErrStreamTruncated = errors.New("command stream closed without exit status")

// Stream fans stdout and stderr into one bounded channel. Each reader forwards
// lines in order; wait is called once both readers are drained and its result
// is emitted as the final event before the channel closes.
func Stream(ctx context.Context, stdout, stderr io.Reader, wait func() int) <-chan CommandOutput {
	out := make(chan CommandOutput, StreamBuffer)

	var readers sync.WaitGroup
	readers.Add(2)
	go forwardLines(ctx, stdout, OutputStdout, out, &readers)
	go forwardLines(ctx, stderr, OutputStderr, out, &readers)

	go func() {
		defer close(out)
		readers.Wait()
		code := wait()
		select {
		case out <- CommandOutput{Kind: OutputExit, ExitCode: code}:
		case <-ctx.Done():
		}
	}()

	return out
}

func forwardLines(ctx context.Context, r io.Reader, kind OutputKind, out chan<- CommandOutput, wg *sync.WaitGroup) {
	defer wg.Done()
	if r == nil {
		return
	}
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			line = strings.TrimRight(line, "\r\n")
			select {
			case out <- CommandOutput{Kind: kind, Line: line}:
			case <-ctx.Done():
				// Keep draining so the producer never blocks on a full pipe.
				_, _ = io.Copy(io.Discard, br)
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// RunCommand runs command on s and aggregates every output line, stdout and
// stderr interleaved in arrival order, into one newline-terminated log.
func RunCommand(ctx context.Context, s Streamer, command string, logger *zap.Logger) (CommandResult, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Debug("Running command", zap.String("command", redactCommand(command)))

	start := time.Now()
	events, err := s.RunCommandStream(ctx, command)
	if err != nil {
		return CommandResult{ExitCode: ExitUnknown}, err
	}

	var log strings.Builder
	result := CommandResult{ExitCode: ExitUnknown}
	sawExit := false
	for ev := range events {
		switch ev.Kind {
		case OutputStdout, OutputStderr:
			log.WriteString(ev.Line)
			log.WriteByte('\n')
		case OutputExit:
			result.ExitCode = ev.ExitCode
			sawExit = true
		}
	}
	result.Log = log.String()

	logger.Debug("Command finished",
		zap.Int("exit_code", result.ExitCode),
		zap.Duration("duration", time.Since(start)))

	if !sawExit {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return result, ctxErr
		}
		return result, ErrStreamTruncated
	}
	return result, nil
}

// CommandRunner runs a command to completion.
type CommandRunner interface {
	RunCommand(ctx context.Context, command string) (CommandResult, error)
}

// StreamRunner adapts a Streamer to CommandRunner.
type StreamRunner struct {
	Streamer Streamer
	Logger   *zap.Logger
}

// RunCommand implements CommandRunner.
func (r StreamRunner) RunCommand(ctx context.Context, command string) (CommandResult, error) {
	return RunCommand(ctx, r.Streamer, command, r.Logger)
}

// redactCommand hides values following credential flags so they never reach
// logs. Words are split the way sh splits them, so a quoted value is
// replaced whole.
func redactCommand(command string) string {
	words := shellWords(command)
	for i := 0; i < len(words)-1; i++ {
		switch {
		case words[i] == "-p", words[i] == "--password":
			words[i+1] = "[REDACTED]"
		case words[i] == "-e" && strings.Contains(words[i+1], "TOKEN="):
			name, _, _ := strings.Cut(words[i+1], "=")
			words[i+1] = name + "=[REDACTED]"
		}
	}
	return strings.Join(words, " ")
}

// shellWords splits command on unquoted whitespace. Each word keeps its
// quotes and escapes verbatim.
func shellWords(command string) []string {
	var (
		words          []string
		word           strings.Builder
		inWord         bool
		single, double bool
		escaped        bool
	)
	for _, r := range command {
		switch {
		case escaped:
			escaped = false
		case single:
			single = r != '\''
		case r == '\\':
			escaped = true
		case double:
			double = r != '"'
		case r == '\'':
			single = true
		case r == '"':
			double = true
		case r == ' ', r == '\t', r == '\n':
			if inWord {
				words = append(words, word.String())
				word.Reset()
				inWord = false
			}
			continue
		}
		word.WriteRune(r)
		inWord = true
	}
	if inWord {
		words = append(words, word.String())
	}
	return words
}
