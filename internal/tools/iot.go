package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/halbridge/halbridge/internal/catalog"
	"github.com/halbridge/halbridge/pkg/models"
	"github.com/rs/zerolog/log"
)

// CommandRunner runs a device shell command.
type CommandRunner func(ctx context.Context, command string) error

// Bridge drives switchable devices. iot.toggle talks Shelly Gen2 RPC and
// reports the live state read back from the relay; iot.command runs the
// device's configured shell command and reports the requested state from
// memory.
type Bridge struct {
	catalog *catalog.Catalog
	client  *http.Client
	run     CommandRunner
	sleep   func(ctx context.Context, d time.Duration) error

	mu    sync.Mutex
	state map[string]string
}

// BridgeOption configures a Bridge.
type BridgeOption func(*Bridge)

// WithDeviceClient sets the HTTP client used for relay RPC.
func WithDeviceClient(c *http.Client) BridgeOption { return func(b *Bridge) { b.client = c } }

// WithCommandRunner replaces the shell used by iot.command.
func WithCommandRunner(run CommandRunner) BridgeOption { return func(b *Bridge) { b.run = run } }

// WithBlinkSleeper replaces the pause between blink phases.
func WithBlinkSleeper(sleep func(ctx context.Context, d time.Duration) error) BridgeOption {
	return func(b *Bridge) { b.sleep = sleep }
}

// NewBridge creates a bridge for the devices declared in c.
func NewBridge(c *catalog.Catalog, timeout time.Duration, opts ...BridgeOption) *Bridge {
	b := &Bridge{
		catalog: c,
		client:  &http.Client{Timeout: timeout},
		run:     runShell,
		sleep:   sleepCtx,
		state:   make(map[string]string),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Toggle implements iot.toggle.
func (b *Bridge) Toggle(ctx context.Context, inv models.ToolInvocation) (*models.HandlerResult, error) {
	id, dev, res := b.device(inv.Args)
	if res != nil {
		return res, nil
	}
	if dev.Host == "" {
		return refused("device %s has no relay host", id), nil
	}

	want := argString(inv.Args, "state")
	if err := b.switchRelay(ctx, dev, want); err != nil {
		return nil, fmt.Errorf("switch %s: %w", dev.Name, err)
	}
	live, err := b.relayStatus(ctx, dev)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", dev.Name, err)
	}
	b.remember(id, live)

	log.Info().Str("device", id).Str("state", live).Msg("💡 Relay switched")
	return done(map[string]any{
		"device":  id,
		"state":   live,
		"source":  "live",
		"message": fmt.Sprintf("%s is %s.", dev.Name, live),
	}), nil
}

// Command implements iot.command.
func (b *Bridge) Command(ctx context.Context, inv models.ToolInvocation) (*models.HandlerResult, error) {
	id, dev, res := b.device(inv.Args)
	if res != nil {
		return res, nil
	}

	want := argString(inv.Args, "state")
	if want == "toggle" || want == "" {
		want = "on"
		if b.recall(id) == "on" {
			want = "off"
		}
	}
	command := dev.OnCommand
	if want == "off" {
		command = dev.OffCommand
	}
	if command == "" {
		return refused("device %s has no %s command", id, want), nil
	}

	if err := b.run(ctx, command); err != nil {
		return nil, fmt.Errorf("run %s command for %s: %w", want, dev.Name, err)
	}
	b.remember(id, want)

	return done(map[string]any{
		"device":  id,
		"state":   want,
		"source":  "memory",
		"message": fmt.Sprintf("%s is %s.", dev.Name, want),
	}), nil
}

// Blink implements iot.blink: cycles of on/off with the given pauses,
// leaving the device off.
func (b *Bridge) Blink(ctx context.Context, inv models.ToolInvocation) (*models.HandlerResult, error) {
	id, dev, res := b.device(inv.Args)
	if res != nil {
		return res, nil
	}
	if dev.Host == "" {
		return refused("device %s has no relay host", id), nil
	}

	cycles := argInt(inv.Args, "cycles", 3)
	onMs := argInt(inv.Args, "on_ms", 500)
	offMs := argInt(inv.Args, "off_ms", 500)
	if cycles < 1 || cycles > 50 {
		return refused("cycles must be between 1 and 50, got %d", cycles), nil
	}

	for i := int64(0); i < cycles; i++ {
		if err := b.switchRelay(ctx, dev, "on"); err != nil {
			return nil, fmt.Errorf("blink %s: %w", dev.Name, err)
		}
		if err := b.sleep(ctx, time.Duration(onMs)*time.Millisecond); err != nil {
			return nil, err
		}
		if err := b.switchRelay(ctx, dev, "off"); err != nil {
			return nil, fmt.Errorf("blink %s: %w", dev.Name, err)
		}
		if err := b.sleep(ctx, time.Duration(offMs)*time.Millisecond); err != nil {
			return nil, err
		}
	}
	b.remember(id, "off")

	return done(map[string]any{
		"device":  id,
		"cycles":  cycles,
		"message": fmt.Sprintf("%s blinked %d times.", dev.Name, cycles),
	}), nil
}

func (b *Bridge) device(args map[string]any) (string, catalog.Device, *models.HandlerResult) {
	id := argString(args, "device")
	if id == "" {
		return "", catalog.Device{}, refused("no device given")
	}
	dev, ok := b.catalog.Device(id)
	if !ok {
		return id, catalog.Device{}, refused("unknown device %s", id)
	}
	if dev.Name == "" {
		dev.Name = "device " + id
	}
	return id, dev, nil
}

func (b *Bridge) remember(id, state string) {
	b.mu.Lock()
	b.state[id] = state
	b.mu.Unlock()
}

func (b *Bridge) recall(id string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state[id]
}

// ── Shelly Gen2 RPC ──────────────────────────────────────────

func (b *Bridge) switchRelay(ctx context.Context, dev catalog.Device, state string) error {
	channel := strconv.Itoa(dev.Channel)
	var path string
	switch state {
	case "on", "off":
		path = "/rpc/Switch.Set?id=" + channel + "&on=" + strconv.FormatBool(state == "on")
	case "toggle", "":
		path = "/rpc/Switch.Toggle?id=" + channel
	default:
		return fmt.Errorf("unsupported state %q", state)
	}
	_, err := b.rpc(ctx, dev, path)
	return err
}

func (b *Bridge) relayStatus(ctx context.Context, dev catalog.Device) (string, error) {
	body, err := b.rpc(ctx, dev, "/rpc/Switch.GetStatus?id="+strconv.Itoa(dev.Channel))
	if err != nil {
		return "", err
	}
	var status struct {
		Output *bool `json:"output"`
	}
	if err := json.Unmarshal(body, &status); err != nil {
		return "", fmt.Errorf("decode status: %w", err)
	}
	if status.Output == nil {
		return "", fmt.Errorf("status has no output field")
	}
	if *status.Output {
		return "on", nil
	}
	return "off", nil
}

func (b *Bridge) rpc(ctx context.Context, dev catalog.Device, path string) ([]byte, error) {
	base := dev.Host
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(base, "/")+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("relay returned %d", resp.StatusCode)
	}
	return body, nil
}

func runShell(ctx context.Context, command string) error {
	out, err := exec.CommandContext(ctx, "sh", "-c", command).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, excerpt(string(out), 200))
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
