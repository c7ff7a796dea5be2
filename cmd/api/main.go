package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"quotedesk.org/internal/auth"
	"quotedesk.org/internal/cache"
	"quotedesk.org/internal/httpapi"
	"quotedesk.org/internal/notify"
	"quotedesk.org/internal/obs"
	"quotedesk.org/internal/quote"
	"quotedesk.org/internal/store/pg"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	var (
		quoteStore  quote.Store
		noticeStore notify.Store
		probe       httpapi.ReadyProbe
	)
	if dsn := os.Getenv("QDESK_PG_DSN"); dsn != "" {
		st, err := pg.Open(dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer st.Close()
		quoteStore = st
		noticeStore = pg.NewNotificationStore(st.DB())
		probe = httpapi.ReadyProbe{DB: st.DB()}
	} else {
		// In-memory stores for local development.
		quoteStore = quote.NewMemStore()
		noticeStore = notify.NewMemStore()
	}

	c := cache.New()
	defer c.Close()

	notices := notify.New(noticeStore)

	quotes := quote.NewService(quoteStore,
		quote.WithCache(c),
		quote.WithBroadcaster(notices),
		quote.WithAuthorizer(auth.AdminGate{}),
	)

	api := httpapi.New(probe, version, quotes, notices, c)

	addr := os.Getenv("QDESK_HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting quotedesk-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	// Let in-flight cache invalidations and broadcasts finish.
	quotes.Wait()
	log.Println("Stopped")
}
