// Package main runs a demo client: it books a few riders, starts a run and
// prints the run events that arrive over the WebSocket feed.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"
)

type wsMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

var demoBookings = []map[string]string{
	{"uid": "demo-1", "origin": "S01", "destination": "S04", "earliest_arrival": "08:30", "latest_arrival": "08:50"},
	{"uid": "demo-2", "origin": "S01", "destination": "S04", "earliest_arrival": "08:35", "latest_arrival": "08:55"},
	{"uid": "demo-3", "origin": "S01", "destination": "S05", "earliest_arrival": "08:40", "latest_arrival": "09:00"},
	{"uid": "demo-4", "origin": "S01", "destination": "S05", "earliest_arrival": "08:45", "latest_arrival": "09:05"},
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	base := fmt.Sprintf("http://localhost:%s", port)

	for _, b := range demoBookings {
		body, _ := json.Marshal(b)
		resp, err := http.Post(base+"/v1/requests", "application/json", bytes.NewReader(body))
		if err != nil {
			log.Fatal(err)
		}
		var out map[string]any
		_ = json.NewDecoder(resp.Body).Decode(&out)
		_ = resp.Body.Close()
		log.Printf("booked %s: %d %v", b["uid"], resp.StatusCode, out)
	}

	u := url.URL{Scheme: "ws", Host: "localhost:" + port, Path: "/v1/runs/ws"}
	c, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer func() { _ = c.Close() }()

	if err := c.WriteJSON(wsMessage{Type: "connection_init"}); err != nil {
		log.Fatal(err)
	}
	if err := c.WriteJSON(wsMessage{Type: "subscribe", ID: "1", Payload: json.RawMessage(`{"types":["run."]}`)}); err != nil {
		log.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var m wsMessage
			if err := c.ReadJSON(&m); err != nil {
				log.Printf("read: %v", err)
				return
			}
			log.Printf("WS <- %s: %s", m.Type, string(m.Payload))
			var evt struct {
				Type string `json:"type"`
			}
			if m.Type == "next" && json.Unmarshal(m.Payload, &evt) == nil &&
				(evt.Type == "run.completed" || evt.Type == "run.failed") {
				return
			}
		}
	}()

	// Start a run
	time.Sleep(500 * time.Millisecond)
	runReq, _ := http.NewRequest(http.MethodPost, base+"/v1/runs", nil)
	runReq.Header.Set("X-Role", "admin")
	if resp, err := http.DefaultClient.Do(runReq); err != nil {
		log.Printf("start run: %v", err)
	} else {
		_ = resp.Body.Close()
		log.Printf("start run: %d", resp.StatusCode)
	}

	select {
	case <-time.After(30 * time.Second):
	case <-done:
	}

	resp, err := http.Get(base + "/v1/results/demo-1")
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	var res map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&res)
	log.Printf("results for demo-1: %v", res)
}
