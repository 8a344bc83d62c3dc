package tcs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gemini-hlsw/lch-sub000/internal/metrics"
	"github.com/gemini-hlsw/lch-sub000/internal/sky"
)

// Channel keys.
const (
	KeyRA             = "tcs:currentRa"
	KeyDec            = "tcs:currentDec"
	KeyAz             = "tcs:currentAz"
	KeyEl             = "tcs:currentEl"
	KeyTime           = "tcs:time"
	KeyLaserOnSky     = "laser:propagating"
	KeyShutter        = "laser:shutter"
	KeyHeartbeat      = "laser:heartbeat"
	ShutterCloseValue = "CLOSE"
	GuideLoopOpen     = "open"
)

// GuideLoopKeys are the loops opened before the shutter is moved, so that the
// guiders do not chase a vanished guide star.
var GuideLoopKeys = []string{
	"ao:loop:ttf",
	"ao:loop:dm",
	"tcs:guide:pwfs1",
	"tcs:guide:oiwfs",
}

// HeartbeatModulus bounds the heartbeat value to [0, HeartbeatModulus).
const HeartbeatModulus = 100

// Status is one read of the telescope channel.
type Status struct {
	RaDec      sky.Coordinates `json:"raDec"`
	AzEl       sky.Coordinates `json:"azEl"`
	LaserOnSky bool            `json:"laserOnSky"`
	TCSTime    time.Time       `json:"tcsTime"`
	ReadAt     time.Time       `json:"readAt"`
	Err        string          `json:"error,omitempty"`
}

// Connected reports whether the read succeeded.
func (s *Status) Connected() bool {
	return s != nil && s.Err == ""
}

// Client issues reads and command sequences on a KV channel.
type Client struct {
	kv     KV
	logger *slog.Logger

	lastContact atomic.Int64 // unix nanos of the last successful call
}

// NewClient creates a Client on kv.
func NewClient(kv KV, logger *slog.Logger) *Client {
	return &Client{kv: kv, logger: logger.With("component", "tcs")}
}

// LastContact returns when the channel last answered, or the zero time.
func (c *Client) LastContact() time.Time {
	n := c.lastContact.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (c *Client) touch() {
	c.lastContact.Store(time.Now().UnixNano())
}

// ReadStatus reads pointing, laser status and TCS time.
func (c *Client) ReadStatus(ctx context.Context) (Status, error) {
	st := Status{ReadAt: time.Now()}

	vals := make(map[string]float64, 4)
	for _, key := range []string{KeyRA, KeyDec, KeyAz, KeyEl} {
		raw, err := c.kv.Get(ctx, key)
		if err != nil {
			metrics.IncTCSError("read")
			return st, err
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			metrics.IncTCSError("read")
			return st, fmt.Errorf("parsing %s=%q: %w", key, raw, err)
		}
		vals[key] = v
	}
	st.RaDec = sky.NewRaDec(vals[KeyRA], vals[KeyDec])
	st.AzEl = sky.NewAzEl(vals[KeyAz], vals[KeyEl])

	raw, err := c.kv.Get(ctx, KeyLaserOnSky)
	if err != nil {
		metrics.IncTCSError("read")
		return st, err
	}
	st.LaserOnSky, err = parseFlag(raw)
	if err != nil {
		metrics.IncTCSError("read")
		return st, fmt.Errorf("parsing %s: %w", KeyLaserOnSky, err)
	}

	// TCS time is informational; a missing or odd value is not an error.
	if raw, err := c.kv.Get(ctx, KeyTime); err == nil {
		if t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(raw)); err == nil {
			st.TCSTime = t
		}
	}

	c.touch()
	return st, nil
}

func parseFlag(s string) (bool, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "1", "TRUE", "ON", "YES":
		return true, nil
	case "0", "FALSE", "OFF", "NO", "":
		return false, nil
	}
	return false, fmt.Errorf("unrecognized flag %q", s)
}

// OpenGuideLoops opens every guide loop. All loops are attempted even if one
// fails; the first error is returned.
func (c *Client) OpenGuideLoops(ctx context.Context) error {
	var errs []error
	for _, key := range GuideLoopKeys {
		if err := c.kv.Set(ctx, key, GuideLoopOpen); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		metrics.IncTCSError("guide_loops")
		return errors.Join(errs...)
	}
	c.touch()
	return nil
}

// CloseShutter commands the laser shutter closed.
func (c *Client) CloseShutter(ctx context.Context) error {
	if err := c.kv.Set(ctx, KeyShutter, ShutterCloseValue); err != nil {
		metrics.IncTCSError("shutter")
		return err
	}
	c.touch()
	return nil
}

// Shutter runs the shuttering sequence: guide loops open first, then the
// shutter move. The shutter is commanded even if opening a loop failed.
func (c *Client) Shutter(ctx context.Context) error {
	metrics.IncShutterCommands()
	loopErr := c.OpenGuideLoops(ctx)
	if loopErr != nil {
		c.logger.Error("opening guide loops failed", "error", loopErr)
	}
	if err := c.CloseShutter(ctx); err != nil {
		return errors.Join(loopErr, err)
	}
	return loopErr
}

// WriteHeartbeat writes v modulo HeartbeatModulus.
func (c *Client) WriteHeartbeat(ctx context.Context, v int) error {
	v %= HeartbeatModulus
	if v < 0 {
		v += HeartbeatModulus
	}
	if err := c.kv.Set(ctx, KeyHeartbeat, strconv.Itoa(v)); err != nil {
		metrics.IncTCSError("heartbeat")
		return err
	}
	c.touch()
	return nil
}

// Reconnect re-dials the channel when it supports it.
func (c *Client) Reconnect() error {
	r, ok := c.kv.(Reconnector)
	if !ok {
		return nil
	}
	return r.Reconnect()
}
