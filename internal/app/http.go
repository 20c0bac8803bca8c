package app

import (
	"context"
	"net/http"
	"time"

	"chatrelay/pkg/api"
	"chatrelay/pkg/banner"
	"chatrelay/pkg/logger"
)

// printBanner prints the startup banner and build info.
func (a *App) printBanner() {
	verStr := a.version
	if a.commit != "none" {
		verStr += " (" + a.commit + ")"
	}
	if a.buildDate != "unknown" {
		verStr += " @ " + a.buildDate
	}
	banner.Print(a.eff.Addr, a.eff.DBPath, a.eff.Source, verStr)
}

// startHTTP builds the handler and serves it, returning the server error
// channel. The server is shut down gracefully when ctx is canceled.
func (a *App) startHTTP(ctx context.Context) <-chan error {
	handler := api.Handler(api.Deps{
		Hub:    a.hub,
		Log:    a.log,
		Bus:    a.bus,
		Signer: a.sign,
		Sec:    a.sec,
	})
	srv := &http.Server{Addr: a.eff.Addr, Handler: handler}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http_listening", "addr", a.eff.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()
	return errCh
}
