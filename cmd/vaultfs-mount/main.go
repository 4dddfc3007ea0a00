// vaultfs-mount mounts the integrity/WORM overlay filesystem at a
// mountpoint, augmenting a backing directory tree with sidecar
// extended attributes, per-file corruption detection, and append-only
// subtree enforcement.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/vaultfs/vaultfs/lib/overlay"
	"github.com/vaultfs/vaultfs/lib/wormpolicy"
)

const versionString = "vaultfs-mount 0.1.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "vaultfs-mount: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		rawOptions  []string
		allowOther  bool
		foreground  bool
		showVersion bool
		logLevel    string
	)

	flagSet := pflag.NewFlagSet("vaultfs-mount", pflag.ContinueOnError)
	flagSet.StringArrayVarP(&rawOptions, "options", "o", nil,
		"comma-separated mount options, host FUSE options and append_only_dirs=CSV alike")
	flagSet.BoolVar(&allowOther, "allow-other", false, "allow other users to access the mount")
	flagSet.BoolVar(&foreground, "foreground", false, "run in the foreground (the process never daemonizes; without this flag it logs its pid at startup)")
	flagSet.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	flagSet.BoolVar(&showVersion, "version", false, "print version and exit")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			printUsage(flagSet)
			return nil
		}
		return err
	}

	if showVersion {
		fmt.Println(versionString)
		return nil
	}
	if help, _ := flagSet.GetBool("help"); help {
		printUsage(flagSet)
		return nil
	}

	args := flagSet.Args()
	if len(args) != 2 {
		printUsage(flagSet)
		return fmt.Errorf("expected exactly two positional arguments: backing_dir and mount_point")
	}
	backingDir, mountpoint := args[0], args[1]

	appendOnlyDirs, checksumMode, openMode, hostOptions, err := parseMountOptions(rawOptions)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(logLevel),
	}))

	server, engine, err := overlay.Mount(overlay.Options{
		BackingDir:     backingDir,
		Mountpoint:     mountpoint,
		AppendOnlyDirs: appendOnlyDirs,
		ChecksumMode:   checksumMode,
		OpenMode:       openMode,
		AllowOther:     allowOther,
		HostOptions:    hostOptions,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("mounting %s at %s: %w", backingDir, mountpoint, err)
	}
	defer engine.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if !foreground {
		logger.Info("vaultfs-mount running", "pid", os.Getpid())
	}

	go func() {
		<-ctx.Done()
		logger.Info("unmounting", "mountpoint", mountpoint)
		if err := server.Unmount(); err != nil {
			logger.Error("unmount failed", "error", err)
		}
	}()

	server.Wait()
	return nil
}

// parseMountOptions splits the -o option values recognized by the
// mount's external interface (append_only_dirs, checksum_mode,
// open_mode) from the rest, which are forwarded to the host FUSE
// dispatch layer unchanged. An -o value that begins with
// append_only_dirs= takes the whole rest of that value as its
// comma-separated list of directory names.
func parseMountOptions(raw []string) (appendOnlyDirs []string, checksumMode overlay.ChecksumMode, openMode overlay.OpenMode, hostOptions []string, err error) {
	var entries []string
	for _, group := range raw {
		if value, ok := strings.CutPrefix(group, "append_only_dirs="); ok {
			appendOnlyDirs = append(appendOnlyDirs, wormpolicy.ParseCSV(value)...)
			continue
		}
		entries = append(entries, strings.Split(group, ",")...)
	}

	for _, entry := range entries {
		if entry == "" {
			continue
		}
		key, value, hasValue := strings.Cut(entry, "=")
		switch key {
		case "append_only_dirs":
			if !hasValue {
				return nil, 0, 0, nil, fmt.Errorf("append_only_dirs requires a value")
			}
			appendOnlyDirs = append(appendOnlyDirs, wormpolicy.ParseCSV(value)...)
		case "checksum_mode":
			switch value {
			case "whole", "":
				checksumMode = overlay.WholeFileChecksums
			case "block":
				checksumMode = overlay.BlockIndexedChecksums
			default:
				return nil, 0, 0, nil, fmt.Errorf("unrecognized checksum_mode %q", value)
			}
		case "open_mode":
			switch value {
			case "strict", "":
				openMode = overlay.StrictOpen
			case "relaxed":
				openMode = overlay.RelaxedOpen
			default:
				return nil, 0, 0, nil, fmt.Errorf("unrecognized open_mode %q", value)
			}
		default:
			hostOptions = append(hostOptions, entry)
		}
	}
	return appendOnlyDirs, checksumMode, openMode, hostOptions, nil
}

func parseLogLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func printUsage(flagSet *pflag.FlagSet) {
	fmt.Fprintln(os.Stderr, "usage: vaultfs-mount [flags] <backing_dir> <mount_point>")
	flagSet.PrintDefaults()
}
