package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/xiaot623/termgate/internal/host"
)

// Host screen markers the login flow keys on.
const (
	signOnMarker  = "SIGN ON"
	readyMarker   = "READY"
	signOffInput  = "SIGNOFF"
	defaultStepTO = 10 * time.Second
)

var loginItemPattern = regexp.MustCompile(`^[A-Za-z0-9]{9}$`)

// LoginTask signs a list of identifiers on and off the host, one full
// authenticate/verify/sign-off cycle per item.
type LoginTask struct {
	// StepTimeout bounds each wait on a host screen. Zero means the
	// default.
	StepTimeout time.Duration
}

type loginParams struct {
	Items []string `json:"items"`
}

// Name implements Task.
func (t *LoginTask) Name() string { return "login" }

// Items expands params into the identifier list.
func (t *LoginTask) Items(params json.RawMessage) ([]string, error) {
	var p loginParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("invalid login params: %w", err)
		}
	}
	if len(p.Items) == 0 {
		return nil, fmt.Errorf("login requires a non-empty items list")
	}
	return p.Items, nil
}

// Validate requires a 9-character alphanumeric identifier.
func (t *LoginTask) Validate(item string) error {
	if !loginItemPattern.MatchString(item) {
		return fmt.Errorf("identifier %q must be 9 alphanumeric characters", item)
	}
	return nil
}

// Process runs one sign-on cycle: wait for the sign-on screen, submit the
// identifier, verify the session is ready, then sign off so the next item
// starts from a clean screen.
func (t *LoginTask) Process(ctx context.Context, conn host.Engine, item string) (map[string]any, error) {
	started := time.Now()

	if err := t.waitFor(ctx, conn, signOnMarker); err != nil {
		return nil, fmt.Errorf("sign-on screen not reached: %w", err)
	}

	row, col := conn.Cursor()
	if err := conn.FillField(row, col, item); err != nil {
		return nil, fmt.Errorf("fill identifier: %w", err)
	}
	if err := conn.Enter(); err != nil {
		return nil, fmt.Errorf("submit sign-on: %w", err)
	}

	if err := t.waitFor(ctx, conn, readyMarker); err != nil {
		return nil, fmt.Errorf("sign-on for %s not accepted: %w", item, err)
	}

	if err := conn.Send(signOffInput); err != nil {
		return nil, fmt.Errorf("sign off: %w", err)
	}
	if err := conn.Enter(); err != nil {
		return nil, fmt.Errorf("submit sign-off: %w", err)
	}

	return map[string]any{
		"signedOn":   true,
		"durationMs": time.Since(started).Milliseconds(),
	}, nil
}

func (t *LoginTask) waitFor(ctx context.Context, conn host.Engine, text string) error {
	timeout := t.StepTimeout
	if timeout <= 0 {
		timeout = defaultStepTO
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return conn.WaitForText(stepCtx, text)
}
