// Command uwbwatch connects to uwbd and prints live tag positions.
//
// Usage:
//
//	go run ./cmd/uwbwatch -secret dev-secret -subject owner@example.com -room lab -topic 1234567
//	go run ./cmd/uwbwatch -token eyJ... -room lab -topic 1234567 -interval 1s
//	go run ./cmd/uwbwatch -once -token eyJ... -room lab -topic 1234567
//
// Ctrl-C sends stop_visualization and waits for the acknowledgment.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teslashibe/go-uwb/internal/httpc"
	"github.com/teslashibe/go-uwb/pkg/auth"
	"github.com/teslashibe/go-uwb/pkg/protocol"
)

var (
	serverURL = flag.String("url", "ws://localhost:8080/ws", "uwbd WebSocket URL")
	token     = flag.String("token", "", "JWT access token")
	secret    = flag.String("secret", os.Getenv("JWT_SECRET"), "Sign a token locally with this secret when -token is empty")
	subject   = flag.String("subject", "", "Email claim for a locally signed token")
	roomID    = flag.String("room", "", "Room ID")
	topic     = flag.String("topic", "", "7-digit MQTT topic")
	interval  = flag.Duration("interval", 0, "Update interval (0 = server default)")
	once      = flag.Bool("once", false, "Fetch a single snapshot over HTTP and exit")
)

func main() {
	flag.Parse()

	if *roomID == "" || *topic == "" {
		fmt.Println("❌ -room and -topic are required")
		os.Exit(1)
	}

	tok, err := resolveToken()
	if err != nil {
		fmt.Printf("❌ %v\n", err)
		os.Exit(1)
	}

	u, err := url.Parse(*serverURL)
	if err != nil {
		fmt.Printf("❌ bad url: %v\n", err)
		os.Exit(1)
	}

	if *once {
		if err := snapshot(u, tok); err != nil {
			fmt.Printf("❌ %v\n", err)
			os.Exit(1)
		}
		return
	}

	q := u.Query()
	q.Set("token", tok)
	u.RawQuery = q.Encode()

	conn, resp, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		if resp != nil {
			fmt.Printf("❌ connect failed: %v (HTTP %d)\n", err, resp.StatusCode)
		} else {
			fmt.Printf("❌ connect failed: %v\n", err)
		}
		os.Exit(1)
	}
	defer conn.Close()

	events := make(chan *protocol.Message, 16)
	go readLoop(conn, events)

	start, err := protocol.NewStartMessage(*roomID, *topic, *interval)
	if err != nil {
		fmt.Printf("❌ %v\n", err)
		os.Exit(1)
	}
	if err := write(conn, start); err != nil {
		fmt.Printf("❌ send start: %v\n", err)
		os.Exit(1)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	stopping := false
	for {
		select {
		case <-quit:
			if stopping {
				return
			}
			stopping = true
			fmt.Println("\n👋 Stopping...")
			if stop, err := protocol.NewStopMessage(); err == nil {
				_ = write(conn, stop)
			}
			go func() {
				time.Sleep(3 * time.Second)
				quit <- syscall.SIGTERM
			}()

		case msg, ok := <-events:
			if !ok {
				fmt.Println("🔌 Connection closed")
				return
			}
			if done := printEvent(msg); done && stopping {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
		}
	}
}

func resolveToken() (string, error) {
	if *token != "" {
		return *token, nil
	}
	if *secret == "" || *subject == "" {
		return "", errors.New("either -token or both -secret and -subject are required")
	}
	return auth.Sign(*secret, *subject, time.Hour)
}

// snapshot calls GET /api/rooms/:id/positions on the same host as the
// WebSocket URL.
func snapshot(wsURL *url.URL, tok string) error {
	u := *wsURL
	switch u.Scheme {
	case "wss":
		u.Scheme = "https"
	default:
		u.Scheme = "http"
	}
	u.Path = "/api/rooms/" + url.PathEscape(*roomID) + "/positions"
	u.RawQuery = url.Values{"mqtt_topic": {*topic}}.Encode()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var update protocol.PositionUpdate
	if err := httpc.GetJSON(ctx, httpc.NewClient(0), u.String(), tok, &update); err != nil {
		return err
	}
	printUpdate(&update)
	return nil
}

func readLoop(conn *websocket.Conn, out chan<- *protocol.Message) {
	defer close(out)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := protocol.ParseMessage(data)
		if err != nil {
			fmt.Printf("⚠️  unparseable event: %s\n", data)
			continue
		}
		out <- msg
	}
}

func write(conn *websocket.Conn, msg *protocol.Message) error {
	data, err := msg.Bytes()
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// printEvent prints one server event and reports whether it was the stop
// acknowledgment.
func printEvent(msg *protocol.Message) bool {
	switch msg.Type {
	case protocol.TypeConnected:
		if d, err := msg.GetConnectedData(); err == nil {
			fmt.Printf("✅ %s as %s\n", d.Msg, d.Subject)
		}

	case protocol.TypeVisualizationStarted:
		if d, err := msg.GetStartedData(); err == nil {
			fmt.Printf("▶️  %s: room=%s topic=%s every %.2fs\n", d.Msg, d.RoomID, d.Topic, d.UpdateInterval)
		}

	case protocol.TypeVisualizationStopped:
		fmt.Println("⏹️  Visualization stopped")
		return true

	case protocol.TypePositionUpdate:
		u, err := msg.GetPositionUpdate()
		if err != nil {
			fmt.Printf("⚠️  bad position_update: %v\n", err)
			return false
		}
		printUpdate(u)

	case protocol.TypeError:
		if d, err := msg.GetErrorData(); err == nil {
			fmt.Printf("❌ %s\n", d.Msg)
		}

	default:
		fmt.Printf("   %s\n", msg.Type)
	}
	return false
}

func printUpdate(u *protocol.PositionUpdate) {
	fmt.Printf("📍 %s  %d tag(s)\n", u.Timestamp.Format("15:04:05.000"), u.TagCount)

	ids := make([]int64, 0, len(u.TagPositions))
	for id := range u.TagPositions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		est := u.TagPositions[id]
		if !est.Status || est.X == nil || est.Y == nil {
			reason := "unknown"
			if est.Error != nil {
				reason = *est.Error
			}
			fmt.Printf("   tag %-6d  ✗ %s\n", id, reason)
			continue
		}
		fmt.Printf("   tag %-6d  x=%7.1f y=%7.1f  anchors=%v\n", id, *est.X, *est.Y, est.SelectedAnchors)
	}
}
