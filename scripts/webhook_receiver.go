// Package main runs a demo merchant endpoint that verifies webhook signatures
// and drops redeliveries of events it has already seen.
//
//	WEBHOOK_SECRET=... go run ./scripts/webhook_receiver.go
package main

import (
	"io"
	"net/http"
	"os"
	"sync"

	json "github.com/goccy/go-json"

	"payverify/internal/logging"
	"payverify/internal/model"
	"payverify/internal/webhooks"
)

func main() {
	logging.Init(logging.Config{Level: "debug", Format: "console"})
	secret := os.Getenv("WEBHOOK_SECRET")
	if secret == "" {
		logging.Fatal().Msg("WEBHOOK_SECRET is required")
	}
	addr := os.Getenv("RECEIVER_ADDR")
	if addr == "" {
		addr = ":9090"
	}

	var (
		mu   sync.Mutex
		seen = map[string]bool{}
	)
	http.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			http.Error(w, "read body", http.StatusBadRequest)
			return
		}
		if !webhooks.Verify(secret, body, r.Header.Get(webhooks.SignatureHeader)) {
			logging.Warn().Msg("rejected webhook with bad signature")
			http.Error(w, "bad signature", http.StatusUnauthorized)
			return
		}
		var ev model.Event
		if err := json.Unmarshal(body, &ev); err != nil {
			http.Error(w, "bad payload", http.StatusBadRequest)
			return
		}
		mu.Lock()
		dup := seen[ev.ID]
		seen[ev.ID] = true
		mu.Unlock()
		logging.Info().Str("event_id", ev.ID).Str("type", string(ev.Type)).Bool("duplicate", dup).Msg("webhook received")
		w.WriteHeader(http.StatusNoContent)
	})
	logging.Info().Str("addr", addr).Msg("receiver listening")
	if err := http.ListenAndServe(addr, nil); err != nil {
		logging.Fatal().Err(err).Msg("receiver stopped")
	}
}
