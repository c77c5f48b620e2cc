package transform

import (
	"bytes"
	"context"
	"io"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/exportq/internal/domain"
)

const (
	stderrTail       = 2048
	defaultWaitDelay = 2 * time.Second
)

// Command runs an external exporter binary:
//
//	<bin> [args...] <kind> --key=value ...
//
// Its stdout becomes the artifact. Cancelling ctx kills the process.
type Command struct {
	Bin  string
	Args []string
	Env  []string
	// WaitDelay bounds how long output pipes are drained after the process
	// is killed, since grandchildren may still hold them open.
	WaitDelay time.Duration
	Log       *zap.Logger
}

func (c *Command) Transform(ctx context.Context, kind domain.Kind, params domain.FilterParams, w io.Writer) error {
	if c.Bin == "" {
		return errors.Wrapf(ErrUnsupportedKind, "%s: no exporter command configured", kind)
	}
	args := append(append([]string{}, c.Args...), string(kind))
	args = append(args, paramArgs(params)...)

	cmd := exec.CommandContext(ctx, c.Bin, args...)
	cmd.Env = append(cmd.Environ(), c.Env...)
	cmd.Stdout = w
	stderr := &tailBuffer{max: stderrTail}
	cmd.Stderr = stderr
	cmd.WaitDelay = c.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = defaultWaitDelay
	}

	if c.Log != nil {
		c.Log.Debug("running exporter", zap.String("bin", c.Bin), zap.String("kind", string(kind)))
	}
	err := cmd.Run()
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return errors.Wrapf(err, "exporter %s: %s", kind, msg)
		}
		return errors.Wrapf(err, "exporter %s", kind)
	}
	return nil
}

func paramArgs(params domain.FilterParams) []string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, "--"+k+"="+params[k])
	}
	return out
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	buf bytes.Buffer
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	t.buf.Write(p)
	if over := t.buf.Len() - t.max; over > 0 {
		t.buf.Next(over)
	}
	return n, nil
}

func (t *tailBuffer) String() string { return t.buf.String() }
