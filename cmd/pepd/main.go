package main

import (
	"flag"
	"log/slog"
	"net/http"
	"os"

	"omemo/internal/pubsub"
)

func main() {
	addr := flag.String("addr", ":8080", "listen address")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	svc := pubsub.NewMemory(pubsub.AllFeatures...)

	log.Info("pep service listening", "addr", *addr)
	if err := http.ListenAndServe(*addr, pubsub.Handler(svc, log)); err != nil {
		log.Error("server stopped", "err", err)
		os.Exit(1)
	}
}
