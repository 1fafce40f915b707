package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/banshee-data/handtrack/internal/glove"
	"github.com/banshee-data/handtrack/internal/percentbent"
	"github.com/banshee-data/handtrack/internal/recording"
	"github.com/banshee-data/handtrack/internal/session"
	"github.com/banshee-data/handtrack/internal/source"
)

// CalibrationSaver persists calibration profiles captured at the console.
type CalibrationSaver interface {
	SaveCalibration(ctx context.Context, deviceID string, c *glove.Calibration) error
}

// Console is the interactive operator shell.
type Console struct {
	sessions *session.Manager
	recorder *recording.Recorder
	store    CalibrationSaver
	rl       *readline.Instance
	out      io.Writer
}

// NewConsole creates a console reading from the terminal.
func NewConsole(sessions *session.Manager, recorder *recording.Recorder, store CalibrationSaver) (*Console, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "handtrack> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete: readline.NewPrefixCompleter(
			readline.PcItem("help"),
			readline.PcItem("sessions"),
			readline.PcItem("raw"),
			readline.PcItem("pct"),
			readline.PcItem("tips"),
			readline.PcItem("mode",
				readline.PcItem("steady"),
				readline.PcItem("open-close"),
				readline.PcItem("sine"),
			),
			readline.PcItem("record"),
			readline.PcItem("play"),
			readline.PcItem("stop"),
			readline.PcItem("calib"),
			readline.PcItem("quit"),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	return &Console{sessions: sessions, recorder: recorder, store: store, rl: rl, out: rl.Stdout()}, nil
}

// Stderr returns a writer that does not interfere with the prompt. Log
// output goes here while the console runs.
func (c *Console) Stderr() io.Writer { return c.rl.Stderr() }

// Run reads commands until quit, EOF or ctx is done. quit and EOF call
// cancel so the rest of the daemon shuts down too.
func (c *Console) Run(ctx context.Context, cancel context.CancelFunc) {
	defer c.rl.Close()
	go func() {
		<-ctx.Done()
		c.rl.Close()
	}()

	c.printHelp()
	for {
		line, err := c.rl.Readline()
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			fmt.Fprintln(c.out, "Exiting...")
			cancel()
			return
		}
		if !c.Exec(ctx, line) {
			fmt.Fprintln(c.out, "Exiting...")
			cancel()
			return
		}
	}
}

// Exec runs one command line. It returns false when the console should
// exit.
func (c *Console) Exec(ctx context.Context, line string) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return true
	}
	cmd, args := strings.ToLower(parts[0]), parts[1:]

	var err error
	switch cmd {
	case "help", "?":
		c.printHelp()
	case "sessions", "ls":
		c.cmdSessions()
	case "raw":
		err = c.cmdRaw(args)
	case "pct":
		err = c.cmdPercent(args)
	case "tips":
		err = c.cmdTips(args)
	case "mode":
		err = c.cmdMode(args)
	case "record":
		err = c.cmdRecord(ctx, args)
	case "play":
		err = c.cmdPlay(ctx, args)
	case "stop":
		err = c.cmdStop(args)
	case "calib":
		err = c.cmdCalib(ctx, args)
	case "quit", "exit", "q":
		return false
	default:
		fmt.Fprintf(c.out, "Unknown command: %s (type 'help' for commands)\n", cmd)
	}
	if err != nil {
		fmt.Fprintf(c.out, "Error: %v\n", err)
	}
	return true
}

func (c *Console) printHelp() {
	fmt.Fprintln(c.out, `
Handtrack Commands:
  sessions                    - List open device sessions
  raw <id>                    - Show the latest joint angles in degrees
  pct <id>                    - Show percent bent per finger
  tips <id>                   - Show thumb to fingertip distances (m)
  mode <id> <mode> [hz]       - Simulate: steady, open-close or sine
  record <id> <secs> [name]   - Record a session to a file
  play <id> <name> [loop]     - Play a recording into a session
  stop <id>                   - Stop the session's source
  calib <id> open|closed      - Capture the current pose as a flexion reference
  quit                        - Exit`)
}

func (c *Console) session(args []string, n int, usage string) (*session.Session, error) {
	if len(args) < n {
		return nil, fmt.Errorf("usage: %s", usage)
	}
	sess, ok := c.sessions.Get(args[0])
	if !ok {
		return nil, fmt.Errorf("%w: unknown device %q", glove.ErrNoData, args[0])
	}
	return sess, nil
}

func (c *Console) cmdSessions() {
	ids := c.sessions.IDs()
	if len(ids) == 0 {
		fmt.Fprintln(c.out, "No sessions open")
		return
	}
	for _, id := range ids {
		sess, ok := c.sessions.Get(id)
		if !ok {
			continue
		}
		st := sess.Status()
		src := st.Source
		if src == "" {
			src = "idle"
		}
		fmt.Fprintf(c.out, "  %-16s %-5s %-10s seq=%-8d %6.1f fps  observers=%d\n",
			st.DeviceID, st.Hand, src, st.Seq, st.FPS, st.Observers)
	}
}

func (c *Console) cmdRaw(args []string) error {
	sess, err := c.session(args, 1, "raw <id>")
	if err != nil {
		return err
	}
	deg, err := sess.Degrees()
	if err != nil {
		return err
	}
	for i, finger := range deg {
		vals := make([]string, len(finger))
		for j, v := range finger {
			vals[j] = fmt.Sprintf("%7.1f", v)
		}
		fmt.Fprintf(c.out, "  %-6s %s\n", glove.FingerName(i), strings.Join(vals, " "))
	}
	return nil
}

func (c *Console) cmdPercent(args []string) error {
	sess, err := c.session(args, 1, "pct <id>")
	if err != nil {
		return err
	}
	res, err := sess.PercentBent()
	var degenerate *percentbent.DegenerateError
	if err != nil && !errors.As(err, &degenerate) {
		return err
	}
	raw, err := sess.RawPercentBentAngles()
	if err != nil {
		return err
	}
	for i, f := range res.Fingers {
		fmt.Fprintf(c.out, "  %-6s flex %5.1f%%  abd %5.1f%%  raw flex %6.1f° abd %6.1f°\n", glove.FingerName(i),
			float64(f.Flexion)*100/percentbent.Full, float64(f.Abduction)*100/percentbent.Full,
			raw.Flexion[i]*180/math.Pi, raw.Abduction[i]*180/math.Pi)
	}
	if degenerate != nil {
		fmt.Fprintf(c.out, "  warning: %v\n", degenerate)
	}
	return nil
}

func (c *Console) cmdTips(args []string) error {
	sess, err := c.session(args, 1, "tips <id>")
	if err != nil {
		return err
	}
	dists, err := sess.TipDistances()
	if err != nil {
		return err
	}
	for i, d := range dists {
		fmt.Fprintf(c.out, "  thumb-%-6s %.4f\n", glove.FingerName(i+1), d)
	}
	return nil
}

func (c *Console) cmdMode(args []string) error {
	sess, err := c.session(args, 2, "mode <id> <mode> [hz]")
	if err != nil {
		return err
	}
	mode, err := source.ParseMode(args[1])
	if err != nil {
		return err
	}
	if mode == source.ModeCustom {
		return fmt.Errorf("%w: custom mode needs a function and cannot be set here", glove.ErrConfiguration)
	}

	if len(args) < 3 {
		if gen, ok := sess.Source().(*source.Generator); ok {
			if err := gen.SetMode(mode); err != nil {
				return err
			}
			fmt.Fprintf(c.out, "%s: mode %s\n", sess.ID(), mode)
			return nil
		}
	}

	var cfg source.GeneratorConfig
	if len(args) >= 3 {
		if cfg.Rate, err = strconv.ParseFloat(args[2], 64); err != nil || cfg.Rate <= 0 {
			return fmt.Errorf("%w: invalid rate %q", glove.ErrConfiguration, args[2])
		}
	}
	gen, err := source.NewGenerator(sess.Shape(), cfg)
	if err != nil {
		return err
	}
	if err := gen.SetMode(mode); err != nil {
		return err
	}
	if err := sess.SetSource(gen); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s: simulating in %s mode\n", sess.ID(), mode)
	return nil
}

func (c *Console) cmdRecord(ctx context.Context, args []string) error {
	sess, err := c.session(args, 2, "record <id> <secs> [name]")
	if err != nil {
		return err
	}
	secs, err := strconv.ParseFloat(args[1], 64)
	if err != nil || secs <= 0 {
		return fmt.Errorf("%w: invalid duration %q", glove.ErrConfiguration, args[1])
	}
	name := sess.ID() + "-" + time.Now().UTC().Format("20060102T150405")
	if len(args) >= 3 {
		name = args[2]
	}
	fmt.Fprintf(c.out, "recording %s for %gs...\n", sess.ID(), secs)
	info, err := c.recorder.Record(ctx, sess, time.Duration(secs*float64(time.Second)), name)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "saved %d frames (%v) to %s\n", info.Frames, info.Duration, info.Path)
	return nil
}

func (c *Console) cmdPlay(ctx context.Context, args []string) error {
	sess, err := c.session(args, 2, "play <id> <name> [loop]")
	if err != nil {
		return err
	}
	loop := len(args) >= 3 && args[2] == "loop"
	pb, err := c.recorder.Play(ctx, sess, args[1], loop)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s: playing %d frames (loop=%t)\n", sess.ID(), pb.Len(), loop)
	return nil
}

func (c *Console) cmdStop(args []string) error {
	sess, err := c.session(args, 1, "stop <id>")
	if err != nil {
		return err
	}
	sess.StopSource()
	fmt.Fprintf(c.out, "%s: stopped\n", sess.ID())
	return nil
}

// cmdCalib records the current flexion of every finger as the open or
// closed reference and saves the resulting profile.
func (c *Console) cmdCalib(ctx context.Context, args []string) error {
	sess, err := c.session(args, 2, "calib <id> open|closed")
	if err != nil {
		return err
	}
	which := strings.ToLower(args[1])
	if which != "open" && which != "closed" {
		return fmt.Errorf("%w: expected open or closed, got %q", glove.ErrConfiguration, args[1])
	}
	f, err := sess.Latest()
	if err != nil {
		return err
	}

	cal := sess.Calibration()
	for i, finger := range f.Angles {
		sum := percentbent.FlexionSum(finger)
		open, closed := cal.Fingers[i].FlexOpen, cal.Fingers[i].FlexClosed
		if which == "open" {
			open = sum
		} else {
			closed = sum
		}
		if cal, err = cal.WithFlexion(i, open, closed); err != nil {
			return err
		}
	}
	sess.SetCalibration(cal)
	if c.store != nil {
		if err := c.store.SaveCalibration(ctx, sess.ID(), cal); err != nil {
			return err
		}
	}
	fmt.Fprintf(c.out, "%s: %s flexion references set from frame %d\n", sess.ID(), which, f.Seq)
	return nil
}
