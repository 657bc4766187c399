package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bleapdu/transport/transport"
	"github.com/bleapdu/transport/apdu"
	"github.com/bleapdu/transport/dbusstack"
)

func main() {
	var (
		port         = flag.Int("port", 5151, "HTTP server port")
		scanTimeout  = flag.Duration("scan-timeout", 30*time.Second, "Scan duration before ListenTimeout")
		stageTimeout = flag.Duration("stage-timeout", 10*time.Second, "Per-stage timeout for connect/discover/subscribe/mtu-negotiate")
		debug        = flag.Bool("debug", false, "Debug mode (only reported in the startup banner)")
	)
	flag.Parse()

	log.Println("========================================")
	log.Println("Starting bleapdu transport demo")
	log.Println("========================================")
	log.Printf("Configuration:")
	log.Printf("  Port: %d", *port)
	log.Printf("  Scan timeout: %v", *scanTimeout)
	log.Printf("  Stage timeout: %v", *stageTimeout)
	log.Printf("  Debug: %v", *debug)

	cfg := transport.DefaultConfig()
	cfg.ScanTimeout = *scanTimeout
	cfg.StageTimeout = *stageTimeout

	log.Println("Connecting to BlueZ over D-Bus...")
	stack, err := dbusstack.New()
	if err != nil {
		log.Fatalf("Failed to initialize BLE stack: %v", err)
	}
	defer stack.Close()

	tr := transport.New(cfg, stack)
	h := newHub()

	tr.OnBluetoothAvailability(func(ev transport.AdapterEvent) {
		h.broadcast(event{Type: "bluetooth_availability", Payload: ev})
	})
	tr.OnDisconnect(func(p transport.PeripheralIdentifier, reason transport.DisconnectReason) {
		log.Printf("CONN: disconnected from %s (reason=%v)", p.Name, reason)
		h.broadcast(event{Type: "disconnected", Payload: map[string]interface{}{
			"peripheral": p.UUID.String(),
			"reason":     reason,
		}})
	})

	mux := http.NewServeMux()
	registerRoutes(mux, tr, h)

	httpServer := &http.Server{Addr: ":" + strconv.Itoa(*port), Handler: mux}
	go func() {
		log.Printf("HTTP server listening on :%d", *port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	log.Printf("Received signal %v, shutting down...", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}
	if err := tr.Disconnect(ctx); err != nil {
		log.Printf("Transport disconnect error: %v", err)
	}
	log.Println("bleapdu transport demo stopped")
}

func registerRoutes(mux *http.ServeMux, tr *transport.Transport, h *hub) {
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("websocket upgrade failed: %v", err)
			return
		}
		h.addClient(conn)
		defer h.removeClient(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	mux.HandleFunc("/api/scan", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
		defer cancel()
		ch, term, err := tr.Scan(ctx, 0)
		if err != nil {
			writeJSONError(w, err)
			return
		}
		var found []transport.DiscoveredPeripheral
		for dp := range ch {
			found = append(found, dp)
			h.broadcast(event{Type: "scan_result", Payload: dp})
		}
		if scanErr := <-term; scanErr != nil {
			writeJSONError(w, scanErr)
			return
		}
		writeJSON(w, found)
	})

	mux.HandleFunc("/api/connect", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Name string `json:"name"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
		defer cancel()
		if err := tr.ConnectByName(ctx, req.Name); err != nil {
			writeJSONError(w, err)
			return
		}
		h.broadcast(event{Type: "connected", Payload: map[string]string{"name": req.Name}})
		writeJSON(w, map[string]string{"state": tr.State().String()})
	})

	mux.HandleFunc("/api/exchange", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Hex string `json:"hex"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
		defer cancel()
		resp, err := tr.Exchange(ctx, apdu.NewFromHex(req.Hex))
		if err != nil {
			writeJSONError(w, err)
			return
		}
		writeJSON(w, map[string]string{"response": apdu.BytesToHex(resp)})
	})

	mux.HandleFunc("/api/app", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
		defer cancel()
		info, err := tr.GetAppAndVersion(ctx)
		if err != nil {
			writeJSONError(w, err)
			return
		}
		writeJSON(w, info)
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadGateway)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

