package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
)

const (
	logDate string        = `2006-01-02T15:04:05.000-07:00`
	timeout time.Duration = 10 * time.Second
)

func securityHeaders(cfg *Config, w http.ResponseWriter) {
	w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
	w.Header().Set("Cross-Origin-Resource-Policy", "same-site")
	w.Header().Set("Permissions-Policy", "geolocation=(), midi=(), sync-xhr=(), microphone=(), magnetometer=(), gyroscope=(), payment=()")
	w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
	w.Header().Set("X-Content-Type-Options", "nosniff")

	if cfg.scheme() == "https" {
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains; preload")
	}
}

func realIP(r *http.Request) string {
	host, port, _ := net.SplitHostPort(r.RemoteAddr)
	if ip := r.Header.Get("CF-Connecting-IP"); ip != "" {
		if net.ParseIP(ip) != nil {
			host = ip
		}
	} else if ip := r.Header.Get("X-Real-IP"); ip != "" {
		if net.ParseIP(ip) != nil {
			host = ip
		}
	}
	if net.ParseIP(host) != nil && strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port != "" {
		return host + ":" + port
	}
	return host
}

func serveHealthCheck(cfg *Config, reg *Registry, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		securityHeaders(cfg, w)
		w.WriteHeader(http.StatusOK)

		_, err := fmt.Fprintf(w, "OK (%d active games)\n", reg.Len())
		if err != nil {
			errs <- err
		}
	}
}

func serveVersion(cfg *Config, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		startTime := time.Now()

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		securityHeaders(cfg, w)
		w.WriteHeader(http.StatusOK)

		written, err := w.Write([]byte("kwaquiz v" + releaseVersion + "\n"))
		if err != nil {
			errs <- err

			return
		}

		logf(cfg, "SERVE: Version page (%s) to %s in %s",
			humanReadableSize(int64(written)),
			realIP(r),
			time.Since(startTime).Round(time.Microsecond),
		)
	}
}

// serveJoinQR renders a PNG QR code pointing at the join page for an
// active invite code, for projecting on the shared screen.
func serveJoinQR(cfg *Config, reg *Registry) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		code := strings.ToUpper(ps.ByName("code"))
		if !inviteCodePattern.MatchString(code) || reg.ByInviteCode(code) == nil {
			http.Error(w, "unknown invite code", http.StatusNotFound)
			return
		}

		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		}

		// We are at /join/:code/qr; strip trailing "/qr" to get the join URL.
		path := strings.TrimSuffix(r.URL.Path, "/qr")

		url := scheme + "://" + r.Host + path

		const qrSize = 320 // mobile-friendly size
		png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
		if err != nil {
			http.Error(w, "qr generation failed", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(png)

		logf(cfg, "SERVE: QR code for invite %s to %s", code, realIP(r))
	}
}

func registerProfileHandlers(cfg *Config, mux *httprouter.Router) {
	mux.Handler("GET", cfg.prefix+"/pprof/allocs", pprof.Handler("allocs"))
	mux.Handler("GET", cfg.prefix+"/pprof/block", pprof.Handler("block"))
	mux.Handler("GET", cfg.prefix+"/pprof/goroutine", pprof.Handler("goroutine"))
	mux.Handler("GET", cfg.prefix+"/pprof/heap", pprof.Handler("heap"))
	mux.Handler("GET", cfg.prefix+"/pprof/mutex", pprof.Handler("mutex"))
	mux.Handler("GET", cfg.prefix+"/pprof/threadcreate", pprof.Handler("threadcreate"))
	mux.HandlerFunc("GET", cfg.prefix+"/pprof/cmdline", pprof.Cmdline)
	mux.HandlerFunc("GET", cfg.prefix+"/pprof/profile", pprof.Profile)
	mux.HandlerFunc("GET", cfg.prefix+"/pprof/symbol", pprof.Symbol)
	mux.HandlerFunc("GET", cfg.prefix+"/pprof/trace", pprof.Trace)
}

func ServePage(ctx context.Context, cfg *Config, args []string) error {
	var err error

	timeZone := os.Getenv("TZ")
	if timeZone != "" {
		time.Local, err = time.LoadLocation(timeZone)
		if err != nil {
			return err
		}
	}

	logf(cfg, "START: kwaquiz v%s", releaseVersion)

	if err := os.MkdirAll(cfg.dataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	store, err := OpenSnapshotStore(filepath.Join(cfg.dataDir, "snapshots.db"))
	if err != nil {
		return err
	}

	quizzes, err := NewQuizStore(cfg, filepath.Join(cfg.dataDir, "quizz"))
	if err != nil {
		return err
	}

	media, err := NewMediaStore(cfg, filepath.Join(cfg.dataDir, "media"), cfg.mediaMaxMB*1000*1000)
	if err != nil {
		return err
	}

	reg := NewRegistry(cfg, store, cfg.abandonTimeout)
	gw := NewGateway(cfg, reg, quizzes, store)

	mux := httprouter.New()

	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.bind, strconv.Itoa(cfg.port)),
		Handler:           mux,
		IdleTimeout:       10 * time.Minute,
		ReadHeaderTimeout: timeout,
	}

	mux.PanicHandler = func(w http.ResponseWriter, r *http.Request, i any) {
		securityHeaders(cfg, w)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "An error has occurred. Please try again.",
		})

		logf(cfg, "ERROR: Panic serving %s: %v", r.URL.Path, i)
	}

	errs := make(chan error, 64)

	cfg.prefix = strings.TrimSuffix(cfg.prefix, "/")

	mux.GET(cfg.prefix+"/healthz", serveHealthCheck(cfg, reg, errs))

	mux.GET(cfg.prefix+"/version", serveVersion(cfg, errs))

	mux.GET(cfg.prefix+"/ws", ServeWS(cfg, gw))

	mux.GET(cfg.prefix+"/join/:code/qr", serveJoinQR(cfg, reg))

	mux.GET(cfg.prefix+"/api/media", serveMediaList(cfg, media, quizzes))

	mux.POST(cfg.prefix+"/api/media", serveMediaUpload(cfg, media))

	mux.GET(cfg.prefix+"/media/:file", serveMediaFile(cfg, media, errs))

	mux.DELETE(cfg.prefix+"/api/media/:file", serveMediaDelete(cfg, media, quizzes))

	if cfg.profile {
		registerProfileHandlers(cfg, mux)
	}

	go func() {
		for err := range errs {
			logf(cfg, "ERROR: %v", err)
		}
	}()

	go func() {
		var err error
		logf(cfg, "SERVE: Listening on %s://%s%s/", cfg.scheme(), srv.Addr, cfg.prefix)
		if cfg.tlsKey != "" && cfg.tlsCert != "" {
			err = srv.ListenAndServeTLS(cfg.tlsCert, cfg.tlsKey)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Printf("%s | ERROR: %v\n", time.Now().Format(logDate), err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	reg.Cleanup()

	if err := store.Close(); err != nil {
		logf(cfg, "ERROR: Failed to close snapshot store: %v", err)
	}

	return nil
}
