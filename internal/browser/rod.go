package browser

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

const profilePrefix = "resolve-rod-"

// Resource types blocked at the request level. Pages render noticeably
// faster without them and none carry the text we verify against.
var blockedResources = map[proto.NetworkResourceType]bool{
	proto.NetworkResourceTypeImage:      true,
	proto.NetworkResourceTypeFont:       true,
	proto.NetworkResourceTypeMedia:      true,
	proto.NetworkResourceTypeStylesheet: true,
}

// rodNavigator drives one headless Chromium with an isolated profile.
type rodNavigator struct {
	instanceID string
	profileDir string
	launch     *launcher.Launcher
	browser    *rod.Browser
}

func newRodNavigator() (navigator, error) {
	profileDir, err := os.MkdirTemp("", profilePrefix+"*")
	if err != nil {
		return nil, eris.Wrap(err, "browser: create profile dir")
	}

	launch := launcher.New().Headless(true).UserDataDir(profileDir)
	wsURL, err := launch.Launch()
	if err != nil {
		_ = os.RemoveAll(profileDir)
		return nil, eris.Wrap(err, "browser: launch chromium")
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		launch.Kill()
		_ = os.RemoveAll(profileDir)
		return nil, eris.Wrap(err, "browser: connect")
	}

	return &rodNavigator{
		instanceID: uuid.NewString()[:8],
		profileDir: profileDir,
		launch:     launch,
		browser:    b,
	}, nil
}

func (r *rodNavigator) id() string { return r.instanceID }

func (r *rodNavigator) navigate(ctx context.Context, url string) (*rawResponse, error) {
	page, err := r.browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, eris.Wrap(err, "browser: open page")
	}
	page = page.Context(ctx)
	defer func() { _ = page.Close() }()

	hijack := page.HijackRequests()
	err = hijack.Add("*", "", func(h *rod.Hijack) {
		if blockedResources[h.Request.Type()] {
			h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
			return
		}
		h.ContinueRequest(&proto.FetchContinueRequest{})
	})
	if err != nil {
		return nil, eris.Wrap(err, "browser: install request filter")
	}
	go hijack.Run()
	defer func() { _ = hijack.Stop() }()

	var statusCode int
	headers := map[string]string{}
	waitResp := page.EachEvent(func(e *proto.NetworkResponseReceived) bool {
		if e.Type != proto.NetworkResourceTypeDocument {
			return false
		}
		statusCode = e.Response.Status
		for k, v := range e.Response.Headers {
			headers[k] = v.String()
		}
		return true
	})

	if err := page.Navigate(url); err != nil {
		return nil, eris.Wrapf(err, "browser: navigate %s", url)
	}
	waitResp()
	if err := page.WaitLoad(); err != nil {
		return nil, eris.Wrap(err, "browser: wait load")
	}

	html, err := page.HTML()
	if err != nil {
		return nil, eris.Wrap(err, "browser: read html")
	}
	finalURL := url
	if info, ierr := page.Info(); ierr == nil {
		finalURL = info.URL
	}

	return &rawResponse{
		statusCode: statusCode,
		headers:    headers,
		html:       html,
		finalURL:   finalURL,
	}, nil
}

// close shuts the browser down gracefully within timeout, then force-kills
// the process. The profile directory is always wiped.
func (r *rodNavigator) close(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		_ = r.browser.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		zap.L().Warn("browser: graceful close timed out, killing",
			zap.String("instance", r.instanceID))
		r.launch.Kill()
	}
	if err := os.RemoveAll(r.profileDir); err != nil {
		zap.L().Warn("browser: profile wipe failed",
			zap.String("dir", r.profileDir), zap.Error(err))
	}
}

// sweepOrphanProfiles removes leftover profile directories from crashed
// instances. Best effort only.
func sweepOrphanProfiles() {
	pattern := filepath.Join(os.TempDir(), profilePrefix+"*")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return
	}
	for _, dir := range matches {
		if err := os.RemoveAll(dir); err == nil {
			zap.L().Debug("browser: swept orphan profile", zap.String("dir", dir))
		}
	}
}
