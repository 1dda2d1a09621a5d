// internal/browser/chrome_session.go
package browser

import (
	"context"
	"fmt"
	"net"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/internal/config"
)

const startupProbeTimeout = 30 * time.Second

// ChromeSession is a Session backed by a single Chrome process, either attached
// to or launched by us. Tabs opened by NewPage stay open until Close.
type ChromeSession struct {
	cfg    config.BrowserConfig
	logger *zap.Logger

	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc

	mu       sync.Mutex
	current  *cdpDriver
	tabs     []context.CancelFunc
	attached bool
	closed   bool
}

// Open attaches to a running Chrome when configured and reachable, otherwise it
// launches one. The first tab becomes the current page.
func Open(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (*ChromeSession, error) {
	logger = logger.Named("browser")
	s := &ChromeSession{cfg: cfg, logger: logger}

	if cfg.Attach && cfg.AttachAddress != "" {
		logger.Info("Attempting to attach to existing Chrome", zap.String("address", cfg.AttachAddress))
		err := s.attach(ctx)
		if err == nil {
			logger.Info("Attached to existing Chrome.")
			return s, nil
		}
		logger.Warn("Could not attach, launching Chrome instead", zap.Error(err))
	}

	if err := s.launch(ctx); err != nil {
		return nil, err
	}
	logger.Info("Chrome launched and responsive.", zap.Bool("headless", cfg.Headless), zap.String("profile", cfg.UserDataDir))
	return s, nil
}

func (s *ChromeSession) attach(ctx context.Context) error {
	// Cheap reachability check before handing the address to chromedp.
	conn, err := net.DialTimeout("tcp", s.cfg.AttachAddress, 2*time.Second)
	if err != nil {
		return fmt.Errorf("devtools endpoint unreachable: %w", err)
	}
	conn.Close()

	url := s.cfg.AttachAddress
	if !strings.Contains(url, "://") {
		url = "http://" + url
	}
	allocCtx, cancel := chromedp.NewRemoteAllocator(context.WithoutCancel(ctx), url)
	if err := s.start(allocCtx, cancel); err != nil {
		return err
	}
	s.attached = true
	return nil
}

func (s *ChromeSession) launch(ctx context.Context) error {
	allocCtx, cancel := chromedp.NewExecAllocator(context.WithoutCancel(ctx), buildAllocatorOptions(s.cfg)...)
	return s.start(allocCtx, cancel)
}

// start creates the first tab and verifies the browser answers.
func (s *ChromeSession) start(allocCtx context.Context, allocCancel context.CancelFunc) error {
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	probeCtx, cancelProbe := context.WithTimeout(browserCtx, startupProbeTimeout)
	defer cancelProbe()
	if err := chromedp.Run(probeCtx, chromedp.Navigate("about:blank")); err != nil {
		browserCancel()
		allocCancel()
		return fmt.Errorf("browser failed to start or respond: %w", err)
	}

	s.allocCancel = allocCancel
	s.browserCtx = browserCtx
	s.browserCancel = browserCancel
	s.current = newCDPDriver(browserCtx, s.cfg.ActionTimeout, s.cfg.NavigationTimeout, s.logger)
	return nil
}

// buildAllocatorOptions starts from chromedp's defaults without the
// automation banner flag and applies the configured profile and flags.
func buildAllocatorOptions(cfg config.BrowserConfig) []chromedp.ExecAllocatorOption {
	var opts []chromedp.ExecAllocatorOption
	for _, opt := range chromedp.DefaultExecAllocatorOptions {
		opts = append(opts, opt)
	}
	// Later flags override earlier ones, so these win over the defaults.
	opts = append(opts,
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("hide-scrollbars", cfg.Headless),
		chromedp.Flag("mute-audio", cfg.Headless),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("disable-infobars", true),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("no-default-browser-check", true),
		chromedp.Flag("password-store", "basic"),
	)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if cfg.UserDataDir != "" {
		opts = append(opts, chromedp.UserDataDir(cfg.UserDataDir))
	}
	if runtime.GOOS == "linux" {
		opts = append(opts,
			chromedp.Flag("no-sandbox", true),
			chromedp.Flag("disable-dev-shm-usage", true),
		)
	}
	for _, arg := range cfg.Args {
		name, value, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if name == "" {
			continue
		}
		if hasValue {
			opts = append(opts, chromedp.Flag(name, value))
		} else {
			opts = append(opts, chromedp.Flag(name, true))
		}
	}
	return opts
}

// Page returns the current page driver.
func (s *ChromeSession) Page() Driver {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// NewPage opens a new tab in the same browser and makes it current.
func (s *ChromeSession) NewPage(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("browser session is closed")
	}
	browserCtx := s.browserCtx
	s.mu.Unlock()

	tabCtx, cancel := chromedp.NewContext(browserCtx)
	probeCtx, cancelProbe := CombineContext(tabCtx, ctx)
	defer cancelProbe()
	if err := chromedp.Run(probeCtx); err != nil {
		cancel()
		return fmt.Errorf("open new tab: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tabs = append(s.tabs, cancel)
	s.current = newCDPDriver(tabCtx, s.cfg.ActionTimeout, s.cfg.NavigationTimeout, s.logger)
	s.logger.Debug("Opened new tab", zap.Int("open_tabs", len(s.tabs)+1))
	return nil
}

// Close tears down tabs we opened and, for launched browsers, the process.
// An attached browser is left running.
func (s *ChromeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	for _, cancel := range s.tabs {
		cancel()
	}
	if s.attached {
		// Canceling the first context of a remote allocator only closes its tab.
		s.browserCancel()
		s.allocCancel()
		return nil
	}
	if err := chromedp.Cancel(s.browserCtx); err != nil {
		s.logger.Debug("Graceful browser shutdown failed", zap.Error(err))
	}
	s.allocCancel()
	return nil
}
