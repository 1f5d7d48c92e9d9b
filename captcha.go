package main

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/browser"

	"deltatabs/logging"
)

var errNoCaptcha = errors.New("no captcha is pending")

var captchaPage = template.Must(template.New("captcha").Parse(`<!DOCTYPE html>
<html><head><title>deltatabs captcha</title>
<script src="https://www.google.com/recaptcha/api.js" async defer></script>
<script>function done(t){document.getElementById("tok").value="captcha "+t;}</script>
</head><body>
<div class="g-recaptcha" data-sitekey="{{.}}" data-callback="done"></div>
<p>Paste this line into the client:</p>
<textarea id="tok" cols="80" rows="4" readonly></textarea>
</body></html>
`))

// captchaSolver opens the challenge in the system browser and waits for
// the token to be typed back into the console.
type captchaSolver struct {
	out  io.Writer
	open func(path string) error

	mu      sync.Mutex
	pending chan string
}

func newCaptchaSolver(out io.Writer) *captchaSolver {
	return &captchaSolver{out: out, open: browser.OpenFile}
}

func (s *captchaSolver) Solve(ctx context.Context, siteKey string) (string, error) {
	ch := make(chan string, 1)
	s.mu.Lock()
	s.pending = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if s.pending == ch {
			s.pending = nil
		}
		s.mu.Unlock()
	}()

	path, err := writeCaptchaPage(siteKey)
	if err != nil {
		return "", err
	}
	defer os.Remove(path)
	if err := s.open(path); err != nil {
		logging.Warnf("captcha: open browser: %v", err)
		fmt.Fprintf(s.out, "Captcha required: open %s and solve it.\n", path)
	} else {
		fmt.Fprintln(s.out, "Captcha required: solve it in the browser, then paste the captcha line here.")
	}

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case tok := <-ch:
		return tok, nil
	}
}

// Answer hands token to the waiting Solve call.
func (s *captchaSolver) Answer(token string) error {
	if token == "" {
		return errors.New("empty captcha token")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return errNoCaptcha
	}
	select {
	case s.pending <- token:
	default:
	}
	return nil
}

func writeCaptchaPage(siteKey string) (string, error) {
	f, err := os.CreateTemp("", "deltatabs-captcha-*.html")
	if err != nil {
		return "", err
	}
	if err := captchaPage.Execute(f, siteKey); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return filepath.Clean(f.Name()), nil
}
