package ui

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"github.com/getlantern/systray"

	"github.com/narrato/narrato-agent/internal/logging"
	"github.com/narrato/narrato-agent/internal/session"
)

const defaultRefresh = time.Second

// StatusSource reports the session shown in the tray.
type StatusSource interface {
	Status(ctx context.Context) session.Status
}

type Tray struct {
	source  StatusSource
	workDir string
	refresh time.Duration
	logger  *slog.Logger

	statusItem *systray.MenuItem
	videoItem  *systray.MenuItem

	mu   sync.Mutex
	last string
	stop chan struct{}
	once sync.Once

	onQuit func()
}

type TrayConfig struct {
	Source  StatusSource
	WorkDir string
	Refresh time.Duration
	Logger  *slog.Logger
	OnQuit  func()
}

func NewTray(cfg TrayConfig) *Tray {
	refresh := cfg.Refresh
	if refresh <= 0 {
		refresh = defaultRefresh
	}
	return &Tray{
		source:  cfg.Source,
		workDir: cfg.WorkDir,
		refresh: refresh,
		logger:  logging.WithComponent(logging.OrDiscard(cfg.Logger), "tray"),
		stop:    make(chan struct{}),
		onQuit:  cfg.OnQuit,
	}
}

// Run blocks on the platform event loop.
func (t *Tray) Run() {
	systray.Run(t.onReady, t.onExit)
}

func (t *Tray) onReady() {
	systray.SetIcon(iconBytes())
	systray.SetTitle("Narrato")
	systray.SetTooltip("Narrato Agent")

	t.statusItem = systray.AddMenuItem(statusLine(session.Status{}), "Current activity")
	t.statusItem.Disable()

	t.videoItem = systray.AddMenuItem(videoLine(session.Status{}), "Loaded video")
	t.videoItem.Disable()

	systray.AddSeparator()

	openItem := systray.AddMenuItem("Open working folder", "Show the merge working folder")

	systray.AddSeparator()

	quitItem := systray.AddMenuItem("Quit", "Quit Narrato Agent")

	go t.poll()

	go func() {
		for {
			select {
			case <-openItem.ClickedCh:
				if err := openFolder(t.workDir); err != nil {
					t.logger.Error("failed to open working folder", "error", err)
				}
			case <-quitItem.ClickedCh:
				t.logger.Info("quit requested from tray")
				if t.onQuit != nil {
					t.onQuit()
				}
				systray.Quit()
				return
			case <-t.stop:
				return
			}
		}
	}()

	t.logger.Info("system tray ready")
}

func (t *Tray) onExit() {
	t.once.Do(func() { close(t.stop) })
	t.logger.Info("system tray exiting")
}

func (t *Tray) poll() {
	ticker := time.NewTicker(t.refresh)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), t.refresh)
			st := t.source.Status(ctx)
			cancel()
			t.update(st)
		case <-t.stop:
			return
		}
	}
}

func (t *Tray) update(st session.Status) {
	line := statusLine(st)

	t.mu.Lock()
	defer t.mu.Unlock()
	if line != t.last {
		t.statusItem.SetTitle(line)
		t.last = line
	}
	t.videoItem.SetTitle(videoLine(st))
}

func (t *Tray) Quit() {
	systray.Quit()
}

func statusLine(st session.Status) string {
	return "Status: " + st.Activity()
}

func videoLine(st session.Status) string {
	if st.Source == nil {
		return "Video: none"
	}
	return fmt.Sprintf("Video: %s (%.0fs)", st.Source.Name, st.Source.Duration)
}

func openCommand(goos, dir string) (string, []string) {
	switch goos {
	case "darwin":
		return "open", []string{dir}
	case "windows":
		return "explorer", []string{dir}
	default:
		return "xdg-open", []string{dir}
	}
}

func openFolder(dir string) error {
	name, args := openCommand(runtime.GOOS, dir)
	return exec.Command(name, args...).Start()
}
