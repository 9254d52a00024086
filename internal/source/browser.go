package source

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog/log"

	"github.com/antoniostano/memorybridge/internal/capture"
)

const (
	signalBinding      = "__memorybridge_signal"
	defaultNavTimeout  = 30 * time.Second
	observerDebounceMS = 250
)

// observerTemplate installs a MutationObserver that calls the binding
// shortly after a message-shaped node (one matching, or containing a match
// for, a message selector) is added.
const observerTemplate = `(() => {
	if (window.__memorybridgeObserver) return;
	const selectors = %[3]s;
	const isMessage = (n) => {
		if (!n || n.nodeType !== 1) return false;
		for (const sel of selectors) {
			try {
				if (n.matches(sel) || n.querySelector(sel)) return true;
			} catch (e) {}
		}
		return false;
	};
	let timer = null;
	const notify = () => {
		if (timer) return;
		timer = setTimeout(() => {
			timer = null;
			try { window.%[1]s(''); } catch (e) {}
		}, %[2]d);
	};
	window.__memorybridgeObserver = new MutationObserver((records) => {
		for (const r of records) {
			for (const n of r.addedNodes || []) {
				if (isMessage(n)) { notify(); return; }
			}
		}
	});
	window.__memorybridgeObserver.observe(document.documentElement, {childList: true, subtree: true});
})()`

func observerScript(selectors []string) (string, error) {
	raw, err := json.Marshal(selectors)
	if err != nil {
		return "", fmt.Errorf("browser: encode selectors: %w", err)
	}
	return fmt.Sprintf(observerTemplate, signalBinding, observerDebounceMS, raw), nil
}

// snapshotJS stamps every message candidate with its vertical position and
// returns the serialised document.
const snapshotJS = `(selectors, attr) => {
	const seen = new Set();
	for (const sel of selectors) {
		let nodes;
		try { nodes = document.querySelectorAll(sel); } catch (e) { continue; }
		for (const n of nodes) {
			if (seen.has(n)) continue;
			seen.add(n);
			const top = n.getBoundingClientRect().top + window.scrollY;
			n.setAttribute(attr, String(Math.round(top)));
		}
	}
	return document.documentElement.outerHTML;
}`

type BrowserConfig struct {
	// ControlURL attaches to a running browser's DevTools endpoint. Empty
	// launches a local browser.
	ControlURL string

	// PageURL selects the tab to observe when attaching, or the page to
	// open otherwise.
	PageURL string

	Headless   bool
	Selectors  []string
	NavTimeout time.Duration
}

// BrowserSource observes a live chat tab over the DevTools protocol.
type BrowserSource struct {
	cfg      BrowserConfig
	browser  *rod.Browser
	page     *rod.Page
	launcher *launcher.Launcher
	signals  chan struct{}

	closeOnce sync.Once
}

// OpenBrowser connects to or launches a browser and prepares the tab.
func OpenBrowser(ctx context.Context, cfg BrowserConfig) (*BrowserSource, error) {
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = defaultNavTimeout
	}
	if len(cfg.Selectors) == 0 {
		cfg.Selectors = capture.DefaultSelectors
	}
	if cfg.ControlURL == "" && strings.TrimSpace(cfg.PageURL) == "" {
		return nil, fmt.Errorf("browser: a page url is required when launching a browser")
	}

	s := &BrowserSource{cfg: cfg, signals: make(chan struct{}, 1)}

	controlURL := cfg.ControlURL
	if controlURL == "" {
		l := launcher.New().Headless(cfg.Headless)
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("browser: launch: %w", err)
		}
		s.launcher = l
		controlURL = u
		log.Info().Str("url", u).Bool("headless", cfg.Headless).Msg("launched local browser")
	}

	s.browser = rod.New().ControlURL(controlURL).Context(ctx)
	if err := s.browser.Connect(); err != nil {
		s.Close()
		return nil, fmt.Errorf("browser: connect: %w", err)
	}

	page, err := s.selectPage(ctx)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.page = page

	if err := s.installObserver(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *BrowserSource) selectPage(ctx context.Context) (*rod.Page, error) {
	if s.cfg.ControlURL != "" {
		pages, err := s.browser.Pages()
		if err != nil {
			return nil, fmt.Errorf("browser: list pages: %w", err)
		}
		for _, p := range pages {
			info, err := p.Info()
			if err != nil {
				continue
			}
			if s.cfg.PageURL == "" || strings.HasPrefix(info.URL, s.cfg.PageURL) {
				log.Info().Str("url", info.URL).Msg("attached to existing tab")
				return p, nil
			}
		}
		if s.cfg.PageURL == "" {
			return nil, fmt.Errorf("browser: no open tab to attach to")
		}
	}

	page, err := s.browser.Page(proto.TargetCreateTarget{URL: ""})
	if err != nil {
		return nil, fmt.Errorf("browser: create tab: %w", err)
	}
	navCtx, cancel := context.WithTimeout(ctx, s.cfg.NavTimeout)
	defer cancel()
	if err := page.Context(navCtx).Navigate(s.cfg.PageURL); err != nil {
		_ = page.Close()
		return nil, fmt.Errorf("browser: navigate %s: %w", s.cfg.PageURL, err)
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		log.Warn().Err(err).Str("url", s.cfg.PageURL).Msg("page load wait timed out")
	}
	return page, nil
}

func (s *BrowserSource) installObserver() error {
	script, err := observerScript(s.cfg.Selectors)
	if err != nil {
		return err
	}
	if err := (proto.RuntimeAddBinding{Name: signalBinding}).Call(s.page); err != nil {
		return fmt.Errorf("browser: add binding: %w", err)
	}
	if _, err := s.page.EvalOnNewDocument(script); err != nil {
		return fmt.Errorf("browser: register observer: %w", err)
	}
	if _, err := s.page.Eval(`() => ` + script); err != nil {
		return fmt.Errorf("browser: inject observer: %w", err)
	}
	return nil
}

// Snapshot serialises the tab after stamping message candidates with their
// on-screen position.
func (s *BrowserSource) Snapshot(ctx context.Context) (*capture.Document, error) {
	res, err := s.page.Context(ctx).Eval(snapshotJS, s.cfg.Selectors, capture.TopAttr)
	if err != nil {
		return nil, fmt.Errorf("browser: snapshot: %w", err)
	}
	return capture.ParseDocument(strings.NewReader(res.Value.Str()))
}

func (s *BrowserSource) Mutations() <-chan struct{} {
	return s.signals
}

// Run relays observer signals until ctx is done, then closes the source.
func (s *BrowserSource) Run(ctx context.Context) error {
	defer s.Close()

	wait := s.page.Context(ctx).EachEvent(
		func(e *proto.RuntimeBindingCalled) {
			if e.Name != signalBinding {
				return
			}
			select {
			case s.signals <- struct{}{}:
			default:
			}
		},
		func(e *proto.PageFrameNavigated) {
			if e.Frame.ParentID == "" {
				log.Info().Str("url", e.Frame.URL).Msg("observed tab navigated")
			}
		},
	)
	wait()
	return nil
}

// Close detaches from the browser and stops it when it was launched here.
func (s *BrowserSource) Close() error {
	s.closeOnce.Do(func() {
		if s.launcher != nil {
			if s.browser != nil {
				_ = s.browser.Close()
			}
			s.launcher.Kill()
			s.launcher.Cleanup()
		}
	})
	return nil
}
