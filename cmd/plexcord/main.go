// Package main implements the plexcord daemon, which watches one Plex
// user's playback and publishes Discord Rich Presence updates.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	rootpkg "tools.zach/dev/plexcord"
	"tools.zach/dev/plexcord/internal/atomicfile"
	"tools.zach/dev/plexcord/internal/config"
	"tools.zach/dev/plexcord/internal/discord"
	"tools.zach/dev/plexcord/internal/logger"
	"tools.zach/dev/plexcord/internal/monitor"
	"tools.zach/dev/plexcord/internal/paths"
	"tools.zach/dev/plexcord/internal/plex"
)

// ///////////////////////////////////////////////
// Version
// ///////////////////////////////////////////////

// version is set at build time via ldflags:
//   - goreleaser: -X main.version={{.Version}}  -> "0.1.0"
//   - make build: -X main.version=$(VERSION)    -> "0.0.0-dev+05ffee5"
//
// When ldflags are not set (bare go build), resolveVersion reads the VCS info
// that Go embeds automatically, so dev builds get a useful version string
// without needing git at runtime.
var version = "dev"

// resolveVersion returns the build version string. If [version] was set via
// ldflags at build time it is returned as-is; otherwise VCS revision and dirty
// state embedded by the Go toolchain are used to construct a "dev+<hash>" tag.
func resolveVersion() string {
	if version != "dev" {
		return version
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return version
	}
	var revision string
	var dirty bool
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if revision == "" {
		return version
	}
	hash := revision[:min(7, len(revision))]
	if dirty {
		return "dev+" + hash + ".dirty"
	}
	return "dev+" + hash
}

// ///////////////////////////////////////////////
// PID Management
// ///////////////////////////////////////////////

// pidToken generates a random 16-character hex token used to prove ownership
// of the PID file, so [removePID] only deletes the file if this instance wrote it.
func pidToken() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// writePID creates or opens the PID file at [DataPaths.PID], acquires an
// advisory file lock, and writes "PID:TOKEN" content. The returned file handle
// must be kept open for the lifetime of the daemon to hold the lock; pass it to
// [removePID] on shutdown.
func writePID(paths DataPaths, token string) (*os.File, error) {
	f, err := os.OpenFile(paths.PID(), os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open PID file: %w", err)
	}
	if err := lockFile(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("lock PID file: %w", err)
	}
	if err := f.Truncate(0); err != nil {
		_ = unlockFile(f)
		f.Close()
		return nil, fmt.Errorf("truncate PID file: %w", err)
	}
	content := fmt.Sprintf("%d:%s", os.Getpid(), token)
	if _, err := f.WriteString(content); err != nil {
		_ = unlockFile(f)
		f.Close()
		return nil, fmt.Errorf("write PID file: %w", err)
	}
	return f, nil
}

// removePID releases the advisory lock, closes the file handle, and removes the
// PID file only if the stored token matches, preventing accidental removal of a
// file owned by a different daemon instance.
func removePID(paths DataPaths, token string, f *os.File) {
	if f != nil {
		_ = unlockFile(f)
		f.Close()
	}
	data, err := os.ReadFile(paths.PID())
	if err != nil {
		return
	}
	parts := strings.SplitN(string(data), ":", 2)
	if len(parts) == 2 && parts[1] == token {
		os.Remove(paths.PID())
	}
}

// checkStalePID checks whether another daemon instance is running. It attempts
// to acquire the advisory lock on the PID file; if the lock fails, another
// instance holds it. If the lock succeeds, any previous instance is dead and
// the stale file is cleaned up.
func checkStalePID(paths DataPaths) (alive bool, pid int) {
	f, err := os.OpenFile(paths.PID(), os.O_RDWR, 0o600)
	if err != nil {
		return false, 0
	}

	if lockErr := lockFile(f); lockErr != nil {
		data, _ := os.ReadFile(paths.PID())
		f.Close()
		parts := strings.SplitN(string(data), ":", 2)
		if len(parts) >= 1 {
			if p, convErr := strconv.Atoi(parts[0]); convErr == nil {
				return true, p
			}
		}
		return true, 0
	}

	// Lock acquired -- previous instance is dead. Clean up stale file.
	_ = unlockFile(f)
	f.Close()
	os.Remove(paths.PID())
	return false, 0
}

// ///////////////////////////////////////////////
// Default Data Directory
// ///////////////////////////////////////////////

// defaultDataDir returns the platform default directory for plexcord data,
// typically ~/.plexcord. Falls back to ./.plexcord if the home directory
// cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", paths.DataDirRel)
	}
	return filepath.Join(home, paths.DataDirRel)
}

// ///////////////////////////////////////////////
// Pipeline Assembly
// ///////////////////////////////////////////////

// buildMonitor assembles a fresh monitoring pipeline from the loaded
// configuration: Plex client, session source (polling for owned servers,
// notification subscription otherwise), mapper, and Discord presence client.
func buildMonitor(cfg *config.Config, log *slog.Logger) *monitor.Monitor {
	client := plex.NewClient(cfg.ServerURL(), cfg.Plex.AuthToken)

	reconnectInitial := time.Duration(cfg.Behavior.ReconnectInitialSeconds) * time.Second
	reconnectMax := time.Duration(cfg.Behavior.ReconnectMaxSeconds) * time.Second

	var src monitor.Source
	if cfg.Plex.Owned {
		interval := time.Duration(cfg.Behavior.PollIntervalMS) * time.Millisecond
		src = monitor.NewPollingSource(client, cfg.Plex.Username, interval, log)
	} else {
		listener := plex.NewNotificationListener(cfg.ServerURL(), cfg.Plex.AuthToken, reconnectInitial, reconnectMax, log)
		src = monitor.NewSubscriptionSource(client, listener, cfg.Plex.Username, log)
	}

	mcfg := monitor.Config{
		ReportIdle:       cfg.Plex.ReportIdle,
		DriftTolerance:   time.Duration(cfg.Behavior.DriftToleranceMS) * time.Millisecond,
		IdleGrace:        time.Duration(cfg.Behavior.IdleGraceMS) * time.Millisecond,
		ReconnectInitial: reconnectInitial,
		ReconnectMax:     reconnectMax,
		Ignored:          cfg.IsIgnored,
	}

	mapper := monitor.NewMapper(cfg.ServerURL(), cfg.Plex.AuthToken)
	presence := discord.NewClient(cfg.Discord.AppID)
	return monitor.New(mcfg, src, mapper, presence, log)
}

// ///////////////////////////////////////////////
// Main
// ///////////////////////////////////////////////

func main() {
	dataDir := flag.String("data-dir", defaultDataDir(), "Data directory for config, PID file, and logs")
	flag.Parse()

	dataPaths := DataPaths{Root: *dataDir}

	if err := os.MkdirAll(dataPaths.Root, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: create data dir: %v\n", err)
		os.Exit(1)
	}

	if alive, pid := checkStalePID(dataPaths); alive {
		fmt.Fprintf(os.Stderr, "daemon already running (pid %d)\n", pid)
		os.Exit(1)
	}

	if _, err := os.Stat(dataPaths.Config()); os.IsNotExist(err) {
		if writeErr := atomicfile.Write(dataPaths.Config(), rootpkg.DefaultConfigTOML, 0o644); writeErr != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to write default config: %v\n", writeErr)
		}
		fmt.Fprintf(os.Stderr, "wrote default config to %s, edit it and restart\n", dataPaths.Config())
		os.Exit(1)
	}

	cfg, err := config.Load(dataPaths.Root)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: load config: %v\n", err)
		os.Exit(1)
	}

	logLevel := logger.ParseLevel(cfg.Log.Level)
	log, logCloser, err := logger.NewLogger(dataPaths.Log(), logLevel, cfg.Log.MaxSizeMB)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: init logger: %v\n", err)
		os.Exit(1)
	}
	defer logCloser.Close()
	slog.SetDefault(log)

	slog.Info("plexcord starting",
		"version", resolveVersion(),
		"data_dir", dataPaths.Root,
		"server", cfg.Plex.ServerAddress,
		"owned", cfg.Plex.Owned,
	)

	token := pidToken()
	pidFile, err := writePID(dataPaths, token)
	if err != nil {
		slog.Error("failed to write PID file", "error", err)
		os.Exit(1)
	}
	defer removePID(dataPaths, token, pidFile)

	watcher, err := config.NewWatcher(dataPaths.Config())
	if err != nil {
		slog.Error("failed to create config watcher", "error", err)
		os.Exit(1)
	}
	defer watcher.Close()
	if watcher.Polling() {
		slog.Info("using polling mode for config watching")
	}

	if exitCode := run(cfg, dataPaths, watcher, log); exitCode != 0 {
		os.Exit(exitCode)
	}
}

// ///////////////////////////////////////////////
// Run Loop
// ///////////////////////////////////////////////

// run supervises monitoring pipelines: it starts one per configuration,
// restarts it when the config file changes, and stops on a shutdown signal
// or a fatal monitor error. Returns the process exit code.
func run(cfg *config.Config, dataPaths DataPaths, watcher *config.Watcher, log *slog.Logger) int {
	sigCh := signalChannel()

	for {
		runCtx, cancelRun := context.WithCancel(context.Background())
		mon := buildMonitor(cfg, log)

		done := make(chan error, 1)
		go func() { done <- mon.Run(runCtx) }()

		select {
		case <-sigCh:
			slog.Info("received shutdown signal")
			cancelRun()
			<-done
			return 0

		case <-watcher.Events():
			slog.Info("config changed, restarting pipeline")
			cancelRun()
			<-done

			newCfg, loadErr := config.Load(dataPaths.Root)
			if loadErr != nil {
				slog.Error("config reload failed, keeping previous config", "error", loadErr)
			} else {
				cfg = newCfg
			}

		case err := <-done:
			cancelRun()
			if errors.Is(err, plex.ErrAuthRejected) {
				slog.Error("stopped: plex auth token rejected, re-authentication required")
				return 1
			}
			slog.Error("monitor stopped unexpectedly", "error", err)
			return 1
		}
	}
}
