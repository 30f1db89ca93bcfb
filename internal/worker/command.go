package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/JakeFAU/crawlqueue/internal/policy/retry"
	"github.com/JakeFAU/crawlqueue/internal/queue"
)

// DefaultPermanentExitCode is the exit status a crawler command uses to fail
// an item without retrying it.
const DefaultPermanentExitCode = 2

const stderrTail = 512

// CommandHandler hands each item to an external crawler process. The url is
// appended to Args and the item is described in CRAWLQUEUE_* environment
// variables. On exit status 0 a last stdout line starting with "{" must be
// {"books_found":N,"books_saved":M}; any other output reports zero books.
type CommandHandler struct {
	Path string
	Args []string
	// PermanentExitCode marks non-recoverable failures; zero means
	// DefaultPermanentExitCode.
	PermanentExitCode int
}

// NewCommandHandler builds a handler from a command line.
func NewCommandHandler(argv []string) (*CommandHandler, error) {
	if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
		return nil, errors.New("crawler command is required")
	}
	return &CommandHandler{Path: argv[0], Args: argv[1:]}, nil
}

// Handle runs the command for item.
func (h *CommandHandler) Handle(ctx context.Context, item queue.WorkItem) (Outcome, error) {
	args := append(append([]string{}, h.Args...), item.URL)
	cmd := exec.CommandContext(ctx, h.Path, args...)
	cmd.Env = append(os.Environ(), itemEnv(item)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return Outcome{}, fmt.Errorf("crawler command: %w", ctx.Err())
		}
		runErr := fmt.Errorf("crawler command: %w%s", err, tail(stderr.String()))
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == h.permanentCode() {
			return Outcome{}, retry.Permanent(runErr)
		}
		return Outcome{}, runErr
	}
	return parseOutcome(stdout.String())
}

func (h *CommandHandler) permanentCode() int {
	if h.PermanentExitCode == 0 {
		return DefaultPermanentExitCode
	}
	return h.PermanentExitCode
}

func itemEnv(item queue.WorkItem) []string {
	env := []string{
		"CRAWLQUEUE_ITEM_ID=" + item.ID,
		"CRAWLQUEUE_URL=" + item.URL,
		"CRAWLQUEUE_KIND=" + string(item.Kind),
		"CRAWLQUEUE_URL_TYPE=" + item.URLType,
		"CRAWLQUEUE_RETRY_COUNT=" + strconv.Itoa(item.RetryCount),
	}
	if item.BookID != nil {
		env = append(env, "CRAWLQUEUE_BOOK_ID="+strconv.FormatInt(*item.BookID, 10))
	}
	return env
}

func parseOutcome(stdout string) (Outcome, error) {
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	if !strings.HasPrefix(last, "{") {
		return Outcome{}, nil
	}
	var out Outcome
	if err := json.Unmarshal([]byte(last), &out); err != nil {
		return Outcome{}, fmt.Errorf("parse crawler outcome %q: %w", last, err)
	}
	return out, nil
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if len(s) > stderrTail {
		cut := len(s) - stderrTail
		for cut < len(s) && !utf8.RuneStart(s[cut]) {
			cut++
		}
		s = s[cut:]
	}
	return ": " + s
}
