package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mahaj/campus-realtime/pkg/auth"
	"github.com/mahaj/campus-realtime/pkg/model"
)

const help = `commands:
  <text>                    post to the public chat
  /dm <user> <text>         private message
  /edit <id> <text>         edit one of your messages
  /delete <id>              delete one of your messages
  /call <user> [video]      start an audio (or video) call
  /answer <user>            accept a ringing call
  /connected <user>         report the media path up
  /hangup <user>            end a call
  /decline <user>           turn down a ringing call
  /quit`

func main() {
	serverAddr := flag.String("addr", "localhost:8080", "gateway service address")
	userID := flag.String("user", "user1", "user id")
	token := flag.String("token", "", "bearer token; minted from -secret when empty")
	secret := flag.String("secret", os.Getenv("JWT_SECRET"), "JWT secret for minting a development token")
	flag.Parse()

	if *token == "" {
		if *secret == "" {
			log.Fatal("either -token or -secret (JWT_SECRET) is required")
		}
		t, err := auth.NewSigner(*secret).GenerateToken(*userID, *userID, 12*time.Hour)
		if err != nil {
			log.Fatal("mint token:", err)
		}
		*token = t
	}

	u := url.URL{Scheme: "ws", Host: *serverAddr, Path: "/ws"}
	log.Printf("connecting to %s as %s", u.String(), *userID)

	header := http.Header{}
	header.Add("Authorization", "Bearer "+*token)
	c, _, err := websocket.DefaultDialer.Dial(u.String(), header)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer c.Close()

	if err := send(c, model.EventJoinPresence, model.JoinPresence{UserID: *userID}); err != nil {
		log.Fatal("join:", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, frame, err := c.ReadMessage()
			if err != nil {
				log.Println("read:", err)
				return
			}
			fmt.Printf("\r%s\n> ", render(frame))
		}
	}()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		fmt.Println(help)
		fmt.Print("> ")
		for scanner.Scan() {
			text := strings.TrimSpace(scanner.Text())
			if text == "/quit" {
				interrupt <- os.Interrupt
				return
			}
			if text != "" {
				if err := command(c, text); err != nil {
					fmt.Println(err)
				}
			}
			fmt.Print("> ")
		}
	}()

	select {
	case <-done:
	case <-interrupt:
		log.Println("interrupt")

		// Cleanly close the connection by sending a close message and then
		// waiting (with timeout) for the server to close the connection.
		err := c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		if err != nil {
			log.Println("write close:", err)
			return
		}
		select {
		case <-done:
		case <-time.After(time.Second):
		}
	}
}

func command(c *websocket.Conn, text string) error {
	if !strings.HasPrefix(text, "/") {
		return send(c, model.EventSubmitMessage, model.Submission{Content: text})
	}

	fields := strings.Fields(text)
	rest := func(n int) string {
		return strings.Join(fields[n:], " ")
	}
	if len(fields) < 2 {
		return fmt.Errorf("usage:\n%s", help)
	}
	peer := fields[1]
	// the gateway only relays session descriptions, a real client gets them from its media stack
	sdp := json.RawMessage(`{"type":"offer","sdp":"cli"}`)

	switch fields[0] {
	case "/dm":
		return send(c, model.EventSubmitMessage, model.Submission{RecipientID: peer, Content: rest(2)})
	case "/edit":
		return send(c, model.EventEditMessage, model.EditMessage{MessageID: peer, Content: rest(2)})
	case "/delete":
		return send(c, model.EventDeleteMessage, model.DeleteMessage{MessageID: peer})
	case "/call":
		kind := model.CallAudio
		if len(fields) > 2 && fields[2] == "video" {
			kind = model.CallVideo
		}
		return send(c, model.EventCallInitiate, model.CallInitiate{CalleeID: peer, Kind: kind, Offer: sdp})
	case "/answer":
		return send(c, model.EventCallAnswer, model.CallAnswer{CallerID: peer, Answer: json.RawMessage(`{"type":"answer","sdp":"cli"}`)})
	case "/connected":
		return send(c, model.EventCallConnected, model.CallPeer{OtherID: peer})
	case "/hangup":
		return send(c, model.EventCallEnd, model.CallPeer{OtherID: peer})
	case "/decline":
		return send(c, model.EventCallEnd, model.CallPeer{OtherID: peer, Reason: "declined"})
	}
	return fmt.Errorf("unknown command %s\n%s", fields[0], help)
}

func send(c *websocket.Conn, t model.EventType, data any) error {
	frame, err := model.Encode(t, data)
	if err != nil {
		return err
	}
	return c.WriteMessage(websocket.TextMessage, frame)
}

func render(frame []byte) string {
	var env model.Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return "raw: " + string(frame)
	}

	switch env.Type {
	case model.EventMessageReceived, model.EventMessageEdited:
		var msg model.ChatMessage
		if json.Unmarshal(env.Data, &msg) == nil {
			who := msg.SenderID
			if msg.Sender != nil {
				who = msg.Sender.DisplayName
			}
			scope := "public"
			if msg.IsPrivate() {
				scope = "dm"
			}
			edited := ""
			if msg.Edited {
				edited = " (edited)"
			}
			return fmt.Sprintf("[%s #%s] %s: %s%s", scope, msg.ID, who, msg.Content, edited)
		}
	case model.EventMessageDeleted:
		var del model.MessageDeleted
		if json.Unmarshal(env.Data, &del) == nil {
			return fmt.Sprintf("[deleted #%s]", del.MessageID)
		}
	case model.EventNotificationNew:
		var n model.Notification
		if json.Unmarshal(env.Data, &n) == nil {
			return fmt.Sprintf("[notification %s] %s", n.Type, n.Message)
		}
	case model.EventCallIncoming:
		var in model.CallIncoming
		if json.Unmarshal(env.Data, &in) == nil {
			return fmt.Sprintf("[call] incoming %s call from %s, /answer %s or /decline %s", in.Kind, in.CallerName, in.CallerID, in.CallerID)
		}
	case model.EventCallEnded:
		var ended model.CallEnded
		if json.Unmarshal(env.Data, &ended) == nil {
			return fmt.Sprintf("[call] ended with %s (%s)", ended.OtherID, ended.Reason)
		}
	case model.EventError:
		var e model.ErrorEvent
		if json.Unmarshal(env.Data, &e) == nil {
			return fmt.Sprintf("[error %s] %s", e.Code, e.Message)
		}
	}
	return fmt.Sprintf("[%s] %s", env.Type, env.Data)
}
