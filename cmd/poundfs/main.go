package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/poundfs/poundfs/pkg/blockdev"
	"github.com/poundfs/poundfs/pkg/common/log"
	"github.com/poundfs/poundfs/pkg/config"
	"github.com/poundfs/poundfs/pkg/image"
	"github.com/poundfs/poundfs/pkg/mkfs"
	"github.com/poundfs/poundfs/pkg/telemetry"
)

// options are the command line choices that are not part of config.Config
type options struct {
	configPath string
	mkfs       bool
	serve      bool
	exportPath string
	importPath string
	codec      string
	imageGiven bool
}

func main() {
	opts, cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(2)
	}

	level, _ := log.ParseLevel(cfg.LogLevel)
	log.SetDefaultLogger(log.NewStandardLogger(log.WithLevel(level)))
	logger := log.Component("poundfs")

	tel, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing telemetry: %s\n", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(ctx); err != nil {
			logger.Warn("Telemetry shutdown: %v", err)
		}
	}()

	switch {
	case opts.importPath != "":
		err = runImport(cfg, opts.importPath)
	case opts.mkfs:
		err = runMkfs(cfg, tel, logger)
	case opts.exportPath != "":
		err = runExport(cfg, opts.exportPath, opts.codec)
	case opts.serve:
		err = runServer(cfg, tel, logger)
	default:
		s := newSession(cfg, tel, logger)
		if opts.imageGiven {
			if err := s.open(cfg.ImagePath); err != nil {
				fmt.Fprintf(os.Stderr, "Error opening image: %s\n", err)
				os.Exit(1)
			}
			fmt.Printf("Opened image %s\n", cfg.ImagePath)
		}
		runInteractive(s)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

// parseFlags builds the configuration: the config file or defaults first,
// then POUNDFS_* variables, then explicit flags.
func parseFlags() (options, *config.Config, error) {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "poundfs - block device, record block and filesystem formatting toolkit\n\n")
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: poundfs [options] [image_path]\n\n")
		fmt.Fprintf(flag.CommandLine.Output(), "By default, poundfs runs an interactive shell on the image.\n")
		fmt.Fprintf(flag.CommandLine.Output(), "-mkfs, -export, -import and -serve run one action and exit.\n\n")
		fmt.Fprintf(flag.CommandLine.Output(), "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(flag.CommandLine.Output(), "\nFor shell commands, start poundfs and type .help\n")
	}

	var opts options
	flag.StringVar(&opts.configPath, "config", "", "Path to a JSON configuration file")
	flag.BoolVar(&opts.mkfs, "mkfs", false, "Format the image and exit")
	flag.BoolVar(&opts.serve, "serve", false, "Serve the image as a remote block device")
	flag.StringVar(&opts.exportPath, "export", "", "Write a compressed copy of the image to this file")
	flag.StringVar(&opts.importPath, "import", "", "Restore the image from a file written by -export")
	flag.StringVar(&opts.codec, "codec", "zstd", "Compression for -export: none, zstd or snappy")
	size := flag.String("size", "", "Image size when creating an image, e.g. 50MiB")
	address := flag.String("address", "", "Address to listen on with -serve")
	useMMap := flag.Bool("mmap", false, "Access the image through a memory mapping")
	logLevel := flag.String("log-level", "", "Log level: debug, info, warn, error")
	flag.Parse()

	var cfg *config.Config
	if opts.configPath != "" {
		var err error
		cfg, err = config.LoadConfig(opts.configPath)
		if err != nil {
			return opts, nil, err
		}
	} else {
		cfg = config.NewDefaultConfig(config.DefaultImageName)
	}
	cfg.LoadFromEnv()

	var sizeErr error
	cfg.Update(func(c *config.Config) {
		if flag.NArg() > 0 {
			c.ImagePath = flag.Arg(0)
			opts.imageGiven = true
		} else if opts.configPath != "" || os.Getenv("POUNDFS_IMAGE") != "" {
			opts.imageGiven = true
		}
		if *size != "" {
			n, err := humanize.ParseBytes(*size)
			if err != nil {
				sizeErr = fmt.Errorf("bad -size %q: %w", *size, err)
				return
			}
			c.ImageSize = int64(n)
		}
		if *address != "" {
			c.ListenAddress = *address
		}
		if *useMMap {
			c.UseMMap = true
		}
		if *logLevel != "" {
			c.LogLevel = *logLevel
		}
	})
	if sizeErr != nil {
		return opts, nil, sizeErr
	}

	if err := cfg.Validate(); err != nil {
		return opts, nil, err
	}
	return opts, cfg, nil
}

func runMkfs(cfg *config.Config, tel telemetry.Telemetry, logger log.Logger) error {
	dev, err := openDevice(cfg, cfg.ImagePath, true)
	if err != nil {
		return err
	}
	defer dev.Close()

	geo, err := mkfs.NewFormatter(dev, logger, tel).MakeFS(context.Background(), mkfs.Options{
		BlockSize: cfg.FSBlockSize,
		AGBlocks:  cfg.AGBlocks,
		Name:      cfg.FSName,
	})
	if err != nil {
		return err
	}
	fmt.Printf("meta-data=%s\n", cfg.ImagePath)
	printGeometry(os.Stdout, geo)
	return nil
}

func runExport(cfg *config.Config, path, codecName string) error {
	codec, err := image.ParseCodec(codecName)
	if err != nil {
		return err
	}

	dev, err := openDevice(cfg, cfg.ImagePath, false)
	if err != nil {
		return err
	}
	defer dev.Close()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := image.Export(dev, f, codec); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	fmt.Printf("Exported %s to %s (%s)\n", cfg.ImagePath, path, codec)
	return nil
}

func runImport(cfg *config.Config, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h, err := image.ReadHeader(f)
	if err != nil {
		return err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}

	// A missing image is sized to fit the stream.
	if _, err := os.Stat(cfg.ImagePath); errors.Is(err, os.ErrNotExist) {
		cfg.Update(func(c *config.Config) {
			c.ImageSize = int64(h.BlockCount) * int64(h.BlockSize)
		})
	}

	dev, err := openDevice(cfg, cfg.ImagePath, true)
	if err != nil {
		return err
	}
	defer dev.Close()

	if _, err := image.Import(f, dev); err != nil {
		return err
	}
	fmt.Printf("Imported %d blocks of %d bytes into %s\n", h.BlockCount, h.BlockSize, cfg.ImagePath)
	return nil
}

func runServer(cfg *config.Config, tel telemetry.Telemetry, logger log.Logger) error {
	dev, err := openDevice(cfg, cfg.ImagePath, true)
	if err != nil {
		return err
	}
	defer dev.Close()

	server := NewServer(blockdev.Instrument(dev, nil, tel, cfg.ImagePath), cfg.ListenAddress, logger)
	if err := server.Start(); err != nil {
		return err
	}
	fmt.Printf("poundfs block server started on %s\n", server.Addr())

	done := setupGracefulShutdown(server)

	if err := server.Serve(); err != nil {
		return err
	}
	<-done
	return nil
}

// setupGracefulShutdown stops the server on SIGINT or SIGTERM. The returned
// channel is closed once the device has been flushed.
func setupGracefulShutdown(server *Server) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		fmt.Printf("\nReceived signal %v, shutting down...\n", sig)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error shutting down server: %v\n", err)
		}
		fmt.Println("Shutdown complete")
		close(done)
	}()
	return done
}
