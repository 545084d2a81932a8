// Command pwmconsole drives HAL PWM ports from a terminal or a serial line.
//
// The HAL runs over either the in-memory board or a PCA9685 on I2C. Board
// configuration comes from a YAML file or the embedded default.
package main

import (
	"context"
	"flag"
	"io"
	"os"
	"os/signal"
	"time"

	"vmxhal-go/bus"
	"vmxhal-go/drivers/vmx"
	"vmxhal-go/drivers/vmx/pcaio"
	"vmxhal-go/drivers/vmx/simio"
	"vmxhal-go/services/config"
	"vmxhal-go/services/hal"
	"vmxhal-go/services/heartbeat"
	"vmxhal-go/types"
	"vmxhal-go/x/strx"

	"github.com/edaniels/golog"
	"github.com/go-errors/errors"
	"github.com/tarm/serial"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

type options struct {
	boardFile string
	backend   string
	i2cBus    string
	addr      uint
	serialDev string
	baud      int
	fault     string
}

func main() {
	var opts options
	flag.StringVar(&opts.boardFile, "board", "", "board YAML file (default: embedded board)")
	flag.StringVar(&opts.backend, "backend", "sim", "I/O backend: sim or pca9685")
	flag.StringVar(&opts.i2cBus, "i2c", "", "I2C bus name for pca9685 (default: first bus)")
	flag.UintVar(&opts.addr, "addr", 0x40, "PCA9685 I2C address")
	flag.StringVar(&opts.serialDev, "serial", "", "read commands from this serial device instead of stdin")
	flag.IntVar(&opts.baud, "baud", 115200, "serial baud rate")
	flag.StringVar(&opts.fault, "fault", "", "sim backend: fail the named board operation once")
	debug := flag.Bool("debug", false, "debug logging")
	flag.Parse()

	logger := newLogger(*debug)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, opts, logger); err != nil {
		logger.Errorw("pwmconsole failed", "error", err)
		os.Exit(1)
	}
}

func newLogger(debug bool) golog.Logger {
	level := zapcore.InfoLevel
	if debug {
		level = zapcore.DebugLevel
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.OutputPaths = []string{"stderr"}
	l, err := cfg.Build()
	if err != nil {
		return golog.NewDevelopmentLogger("pwmconsole")
	}
	return l.Sugar().Named("pwmconsole")
}

func run(ctx context.Context, opts options, logger golog.Logger) error {
	board, closeBoard, err := openBackend(opts, logger)
	if err != nil {
		return err
	}
	defer closeBoard()

	in, out, closeIO, err := openIO(opts)
	if err != nil {
		return err
	}
	defer closeIO()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	b := bus.NewBus(32)
	svc := hal.New(b.NewConnection("hal"), board, hal.WithLogger(logger.Named("hal")))
	halDone := make(chan struct{})
	go func() {
		defer close(halDone)
		svc.Run(ctx)
	}()
	heartbeat.New(logger.Named("heartbeat")).Start(ctx, b.NewConnection("heartbeat"))

	cfg, err := startConfig(ctx, b, opts.boardFile, logger)
	if err != nil {
		cancel()
		<-halDone
		return err
	}
	logger.Infow("board ready", "board", cfg.Board, "backend", opts.backend, "ports", len(cfg.HAL.Ports))

	c := &console{conn: b.NewConnection("console"), out: out, timeout: time.Second}
	err = c.serve(ctx, in)
	cancel()
	<-halDone
	return err
}

// startConfig publishes the board configuration. A board file is published
// directly; otherwise the config service publishes the embedded board named by
// $VMXHAL_BOARD (default vmx-pi).
func startConfig(ctx context.Context, b *bus.Bus, path string, logger golog.Logger) (types.BoardConfig, error) {
	if path != "" {
		cfg, err := config.LoadFile(path)
		if err != nil {
			return types.BoardConfig{}, err
		}
		config.Publish(b.NewConnection("config"), cfg)
		return cfg, nil
	}
	id := strx.Coalesce(os.Getenv("VMXHAL_BOARD"), "vmx-pi")
	cfg, err := config.Embedded(id)
	if err != nil {
		return types.BoardConfig{}, err
	}
	config.NewConfigService(logger.Named("config")).
		Start(context.WithValue(ctx, config.CtxBoardKey, id), b.NewConnection("config"))
	return cfg, nil
}

func openBackend(opts options, logger golog.Logger) (vmx.IO, func(), error) {
	switch opts.backend {
	case "sim":
		board := simio.New(simio.DefaultLayout(), logger.Named("simio"))
		if opts.fault != "" {
			board.FailNext(opts.fault, vmx.ErrIOBoardComm)
		}
		return board, func() {}, nil

	case "pca9685":
		if _, err := host.Init(); err != nil {
			return nil, nil, errors.WrapPrefix(err, "periph host init", 0)
		}
		i2cBus, err := i2creg.Open(opts.i2cBus)
		if err != nil {
			return nil, nil, errors.WrapPrefix(err, "open i2c bus", 0)
		}
		board := pcaio.New(i2cBus, uint8(opts.addr), logger.Named("pcaio"))
		if err := board.Configure(); err != nil {
			i2cBus.Close()
			return nil, nil, err
		}
		return board, func() { i2cBus.Close() }, nil
	}
	return nil, nil, errors.Errorf("unknown backend %q", opts.backend)
}

// openIO returns the command source and the reply sink.
func openIO(opts options) (io.Reader, io.Writer, func(), error) {
	if opts.serialDev == "" {
		return os.Stdin, os.Stdout, func() {}, nil
	}
	port, err := serial.OpenPort(&serial.Config{Name: opts.serialDev, Baud: opts.baud})
	if err != nil {
		return nil, nil, nil, errors.WrapPrefix(err, "open "+opts.serialDev, 0)
	}
	return port, port, func() { port.Close() }, nil
}
