/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package collector drives the upstream portal through a headless browser and
// lands exported CSV files in the day's bucket directory.
package collector

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog"

	"github.com/friendsincode/munin_collect/internal/bucket"
	"github.com/friendsincode/munin_collect/internal/coordinator"
)

// Portal page selectors. The upstream portal is a classic form-login app with
// per-dataset export links on its reports page.
const (
	selUsername   = `input[name="username"]`
	selPassword   = `input[name="password"]`
	selLoginBtn   = `button[type="submit"]`
	selLoginError = `.login-error, .alert-danger`
	selExportLink = `a.export-csv, a[download$=".csv"]`
)

// downloadSettle is how long the download directory must be free of partial
// files before an export round is considered finished.
const downloadSettle = 2 * time.Second

// Config holds portal access parameters.
type Config struct {
	URL        string
	Username   string
	Password   string
	BrowserBin string // optional chromium binary override
}

// Portal collects CSV exports from the upstream web portal.
type Portal struct {
	cfg    Config
	layout bucket.Layout
	logger zerolog.Logger
}

// New constructs a portal collector.
func New(cfg Config, layout bucket.Layout, logger zerolog.Logger) *Portal {
	return &Portal{
		cfg:    cfg,
		layout: layout,
		logger: logger.With().Str("component", "collector").Logger(),
	}
}

// Collect logs into the portal, exports every available CSV into the bucket's
// data directory, and reports how many new files landed. Files already present
// are never re-counted, so a retried attempt only reports its own additions.
func (p *Portal) Collect(ctx context.Context, dateBucket string) (int, error) {
	if p.cfg.URL == "" || p.cfg.Username == "" || p.cfg.Password == "" {
		return 0, coordinator.Fatal(errors.New("portal access is not configured"))
	}

	dir, err := p.layout.EnsureDataDir(dateBucket)
	if err != nil {
		return 0, coordinator.Fatal(err)
	}
	before, err := p.layout.CountCSVFiles(dateBucket)
	if err != nil {
		return 0, coordinator.Fatal(err)
	}

	browser, cleanup, err := p.connect(ctx)
	if err != nil {
		return 0, coordinator.Transient(fmt.Errorf("launch browser: %w", err))
	}
	defer cleanup()

	page, err := p.login(ctx, browser)
	if err != nil {
		return 0, err
	}
	defer page.Close()

	if err := p.export(ctx, browser, page, dir); err != nil {
		return 0, err
	}

	after, err := p.layout.CountCSVFiles(dateBucket)
	if err != nil {
		return 0, coordinator.Fatal(err)
	}
	collected := after - before
	p.logger.Info().
		Str("bucket", dateBucket).
		Int("collected", collected).
		Int("total", after).
		Msg("portal export round finished")
	return collected, nil
}

// connect launches (or attaches to) a chromium instance. The returned cleanup
// closes the browser and kills the launched process.
func (p *Portal) connect(ctx context.Context) (*rod.Browser, func(), error) {
	l := launcher.New().Headless(true)
	if p.cfg.BrowserBin != "" {
		l = l.Bin(p.cfg.BrowserBin)
	}
	controlURL, err := l.Launch()
	if err != nil {
		return nil, nil, err
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		l.Kill()
		return nil, nil, err
	}
	cleanup := func() {
		if err := browser.Close(); err != nil {
			p.logger.Warn().Err(err).Msg("browser close failed")
		}
		l.Kill()
	}
	return browser, cleanup, nil
}

// login opens the portal and authenticates. A rejected login is fatal; the
// credentials will not become valid on retry.
func (p *Portal) login(ctx context.Context, browser *rod.Browser) (*rod.Page, error) {
	var page *rod.Page
	err := rod.Try(func() {
		page = browser.MustPage(p.cfg.URL).Context(ctx)
		page.MustWaitLoad()
		page.MustElement(selUsername).MustInput(p.cfg.Username)
		page.MustElement(selPassword).MustInput(p.cfg.Password)
		page.MustElement(selLoginBtn).MustClick()
		page.MustWaitStable()
	})
	if err != nil {
		return nil, coordinator.Transient(fmt.Errorf("portal login flow: %w", err))
	}

	if has, _, herr := page.Has(selLoginError); herr == nil && has {
		page.Close()
		return nil, coordinator.Fatal(errors.New("portal rejected the configured credentials"))
	}
	return page, nil
}

// export points browser downloads at the bucket directory, clicks every
// export link, and waits for the downloads to settle.
func (p *Portal) export(ctx context.Context, browser *rod.Browser, page *rod.Page, dir string) error {
	setDownloads := proto.BrowserSetDownloadBehavior{
		Behavior:     proto.BrowserSetDownloadBehaviorBehaviorAllow,
		DownloadPath: dir,
	}
	if err := setDownloads.Call(browser); err != nil {
		return coordinator.Transient(fmt.Errorf("set download path: %w", err))
	}

	var clicked int
	err := rod.Try(func() {
		links := page.MustElements(selExportLink)
		for _, link := range links {
			link.MustClick()
			clicked++
		}
	})
	if err != nil {
		return coordinator.Transient(fmt.Errorf("portal export flow: %w", err))
	}
	if clicked == 0 {
		p.logger.Warn().Str("dir", dir).Msg("portal offered no export links")
		return nil
	}

	if err := waitForDownloads(ctx, dir); err != nil {
		return coordinator.Transient(err)
	}
	return nil
}

// waitForDownloads blocks until the directory holds no in-progress chromium
// downloads for a settle interval, or the context expires.
func waitForDownloads(ctx context.Context, dir string) error {
	var settledSince time.Time
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("downloads did not finish: %w", ctx.Err())
		case <-ticker.C:
		}

		if partialDownloads(dir) > 0 {
			settledSince = time.Time{}
			continue
		}
		if settledSince.IsZero() {
			settledSince = time.Now()
			continue
		}
		if time.Since(settledSince) >= downloadSettle {
			return nil
		}
	}
}

func partialDownloads(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if strings.EqualFold(filepath.Ext(e.Name()), ".crdownload") {
			n++
		}
	}
	return n
}
