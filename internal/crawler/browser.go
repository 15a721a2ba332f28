package crawler

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"wiggletrack/internal/config"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

const skuListSelector = ".bem-sku-selector__option-wrapper li > input"

// BrowserFetcher renders pages in headless Chrome. Used when plain HTTP gets
// challenged by bot protection.
type BrowserFetcher struct {
	cfg    *config.BrowserConfig
	logger *slog.Logger

	mu      sync.Mutex
	browser *rod.Browser
}

func NewBrowserFetcher(cfg *config.BrowserConfig, logger *slog.Logger) *BrowserFetcher {
	return &BrowserFetcher{cfg: cfg, logger: logger}
}

func (f *BrowserFetcher) Name() string { return "browser" }

// Fetch opens a stealth page, waits for the sku list and returns the HTML.
func (f *BrowserFetcher) Fetch(ctx context.Context, pageURL string) (string, error) {
	browser, err := f.ensureBrowser()
	if err != nil {
		return "", err
	}

	page, err := stealth.Page(browser)
	if err != nil {
		return "", fmt.Errorf("create page: %w", err)
	}
	defer func() { _ = page.Close() }()

	if f.cfg.UserAgent != "" {
		if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: f.cfg.UserAgent}); err != nil {
			f.logger.Warn("set user agent failed", slog.String("error", err.Error()))
		}
	}
	if err := (proto.NetworkSetBlockedURLs{Urls: []string{
		"*.woff", "*.woff2", "*.ttf", "*.mp4", "*.webm",
		"*google-analytics*", "*googletagmanager*", "*doubleclick*", "*facebook*",
	}}).Call(page); err != nil {
		f.logger.Warn("set blocked urls failed", slog.String("error", err.Error()))
	}

	p := page.Context(ctx)
	if err := p.Navigate(pageURL); err != nil {
		return "", fmt.Errorf("navigate: %w", err)
	}
	if err := p.WaitLoad(); err != nil {
		return "", fmt.Errorf("navigate: wait load: %w", err)
	}

	wait := f.cfg.PageWait
	if wait <= 0 {
		wait = 10 * time.Second
	}
	if _, err := p.Timeout(wait).Element(skuListSelector); err != nil {
		// Let the parser decide: the page may be a challenge or a product without skus.
		f.logger.Debug("sku list did not render", slog.String("url", pageURL), slog.String("error", err.Error()))
	}

	html, err := p.HTML()
	if err != nil {
		return "", fmt.Errorf("read html: %w", err)
	}
	return html, nil
}

func (f *BrowserFetcher) ensureBrowser() (*rod.Browser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.browser != nil {
		return f.browser, nil
	}
	b, err := startBrowser(f.cfg, f.logger)
	if err != nil {
		return nil, err
	}
	f.browser = b
	return b, nil
}

// Close shuts the browser down.
func (f *BrowserFetcher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.browser == nil {
		return nil
	}
	err := f.browser.Close()
	f.browser = nil
	return err
}

func startBrowser(cfg *config.BrowserConfig, logger *slog.Logger) (*rod.Browser, error) {
	bin := cfg.BinPath
	if bin == "" {
		logger.Info("no browser binary specified, downloading default...")
		path, err := launcher.NewBrowser().Get()
		if err != nil {
			return nil, fmt.Errorf("download browser: %w", err)
		}
		bin = path
	}

	l := launcher.New().
		Headless(cfg.Headless).
		Bin(bin).
		NoSandbox(true).
		Set("disable-dev-shm-usage", "true").
		Set("disable-gpu", "true").
		Set("disable-software-rasterizer", "true").
		Set("disk-cache-size", "1").
		Set("js-flags", "--max_old_space_size=512")

	var proxyUser, proxyPass string
	if cfg.ProxyURL != "" {
		parsed, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		if parsed.Scheme == "" || parsed.Host == "" {
			return nil, fmt.Errorf("invalid proxy url: %s", cfg.ProxyURL)
		}
		l = l.Proxy(fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host))
		if parsed.User != nil {
			proxyUser = parsed.User.Username()
			proxyPass, _ = parsed.User.Password()
		}
		logger.Info("using http proxy", slog.String("server", parsed.Host))
	}

	wsURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	browser := rod.New().ControlURL(wsURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connect browser: %w", err)
	}
	if proxyUser != "" {
		go browser.MustHandleAuth(proxyUser, proxyPass)()
	}

	logger.Info("browser started", slog.String("bin", bin))
	return browser, nil
}
